package ethereum

// WaterCreditsABI covers the subset of the water credit contract the server uses.
const WaterCreditsABI = `[
	{"type":"function","name":"buyWater","stateMutability":"payable",
	 "inputs":[{"name":"pumpId","type":"bytes32"}],"outputs":[]},
	{"type":"function","name":"activatePump","stateMutability":"nonpayable",
	 "inputs":[{"name":"pumpId","type":"bytes32"},{"name":"liters","type":"uint256"}],"outputs":[]},
	{"type":"function","name":"waterCredits","stateMutability":"view",
	 "inputs":[{"name":"user","type":"address"}],"outputs":[{"name":"","type":"uint256"}]},
	{"type":"function","name":"creditPrice","stateMutability":"view",
	 "inputs":[],"outputs":[{"name":"","type":"uint256"}]},
	{"type":"event","name":"WaterPurchased","anonymous":false,
	 "inputs":[{"name":"user","type":"address","indexed":true},{"name":"credits","type":"uint256","indexed":false},{"name":"pumpId","type":"bytes32","indexed":false}]},
	{"type":"event","name":"PumpActivated","anonymous":false,
	 "inputs":[{"name":"pumpId","type":"bytes32","indexed":true},{"name":"liters","type":"uint256","indexed":false}]}
]`
