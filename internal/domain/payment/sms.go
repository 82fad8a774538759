package payment

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
)

var (
	ErrInvalidFormat       = errors.New("invalid format. Send: PAY [amount] [currency] [pump]")
	ErrUnsupportedCurrency = errors.New("unsupported currency")
	ErrBelowMinimum        = errors.New("payment below minimum")
	ErrInvalidPump         = errors.New("invalid pump ID format")
)

// Rates converts one unit of a mobile-money currency to ETH.
var Rates = map[string]float64{
	"BIF": 0.000000347,
	"USD": 0.0004,
	"RWF": 0.000000312,
	"KES": 0.0000065,
}

// PumpPrefix is required on every pump label in an SMS.
const PumpPrefix = "PUMP"

// SMS is a parsed "PAY <amount> <currency> <pump>" message.
type SMS struct {
	Amount    float64 `json:"amount"`
	Currency  string  `json:"currency"`
	PumpLabel string  `json:"pump_id"`
	EthAmount float64 `json:"eth_amount"`
}

// ParseSMS parses a payment message such as "PAY 5000 BIF PUMP001". Unknown
// currencies parse with a zero ETH amount and are caught by Validate.
func ParseSMS(message string) (*SMS, error) {
	parts := strings.Fields(strings.ToUpper(strings.TrimSpace(message)))
	if len(parts) != 4 || parts[0] != "PAY" {
		return nil, ErrInvalidFormat
	}
	amount, err := strconv.ParseFloat(parts[1], 64)
	if err != nil || amount <= 0 || math.IsInf(amount, 0) || math.IsNaN(amount) {
		return nil, ErrInvalidFormat
	}
	sms := &SMS{
		Amount:    amount,
		Currency:  parts[2],
		PumpLabel: parts[3],
	}
	sms.EthAmount = amount * Rates[sms.Currency]
	return sms, nil
}

// Validate checks the currency, the minimum ETH value and the pump label.
func (s *SMS) Validate(minEth float64) error {
	rate, ok := Rates[s.Currency]
	if !ok {
		return fmt.Errorf("%w: %s (supported: %s)", ErrUnsupportedCurrency, s.Currency, strings.Join(SupportedCurrencies(), ", "))
	}
	if s.EthAmount < minEth {
		return fmt.Errorf("%w: minimum %g ETH (%d %s)", ErrBelowMinimum, minEth, int64(minEth/rate), s.Currency)
	}
	if !strings.HasPrefix(s.PumpLabel, PumpPrefix) {
		return ErrInvalidPump
	}
	return nil
}

// AmountText renders the amount the way it is shown to the buyer.
func (s *SMS) AmountText() string {
	return strconv.FormatFloat(s.Amount, 'f', -1, 64) + " " + s.Currency
}

// SupportedCurrencies returns the currency codes in a stable order.
func SupportedCurrencies() []string {
	out := make([]string, 0, len(Rates))
	for c := range Rates {
		out = append(out, c)
	}
	sort.Strings(out)
	return out
}
