package billing

const (
	operationRegisterWallet    = "register_wallet"
	operationSetWalletActive   = "set_wallet_active"
	operationDeleteWallet      = "delete_wallet"
	operationCharge            = "charge"
	operationRefund            = "refund"
	operationCreateListing     = "create_listing"
	operationActivateListing   = "activate_listing"
	operationDeactivateListing = "deactivate_listing"
	operationDailyCharge       = "daily_charge"
	operationDailyChargeRun    = "daily_charge_run"
	operationPublishEvent      = "publish_event"
	operationDeliverMessage    = "deliver_message"

	operationStatusOK    = "ok"
	operationStatusError = "error"

	chargeDateLayout = "2006-01-02"
	amountScale      = 2
	cardNumberDigits = 16
	last4Digits      = 4

	defaultBatchWorkers     = 4
	defaultBatchItemTimeout = 30
)
