package credit

const (
	operationEarn     = "earn"
	operationConsume  = "consume"
	operationExchange = "exchange"
	operationDelete   = "delete"

	operationStatusOK    = "ok"
	operationStatusError = "error"

	// DefaultActivityName labels earn entries created without one.
	DefaultActivityName = "Earned credit"
)
