package models

// ProcessorKind identifies the payment rail an owner collects rent on.
type ProcessorKind string

const (
	// ProcessorKindPaybill is a Daraja C2B paybill with an account reference.
	ProcessorKindPaybill ProcessorKind = "paybill"
	// ProcessorKindTillDirect is a Daraja buy-goods till hit directly.
	ProcessorKindTillDirect ProcessorKind = "till-direct"
	// ProcessorKindTillAggregator is a till fronted by an aggregator API.
	ProcessorKindTillAggregator ProcessorKind = "till-aggregator"
)

func (k ProcessorKind) Valid() bool {
	switch k {
	case ProcessorKindPaybill, ProcessorKindTillDirect, ProcessorKindTillAggregator:
		return true
	}
	return false
}

// Aggregator reports whether reconciliation for this kind supports
// on-demand status queries against a stored status URL.
func (k ProcessorKind) Aggregator() bool {
	return k == ProcessorKindTillAggregator
}

// TransactionType returns the Daraja STK transaction type for the kind,
// or empty for kinds that do not push through Daraja.
func (k ProcessorKind) TransactionType() string {
	switch k {
	case ProcessorKindPaybill:
		return "CustomerPayBillOnline"
	case ProcessorKindTillDirect:
		return "CustomerBuyGoodsOnline"
	}
	return ""
}

// TransactionStatus is the lifecycle state of a push attempt.
// pending is the only non-terminal state.
type TransactionStatus string

const (
	TransactionStatusPending   TransactionStatus = "pending"
	TransactionStatusCompleted TransactionStatus = "completed"
	TransactionStatusFailed    TransactionStatus = "failed"
)

func (s TransactionStatus) Terminal() bool {
	return s == TransactionStatusCompleted || s == TransactionStatusFailed
}

// InvoiceStatus tracks whether rent has been collected for an invoice.
type InvoiceStatus string

const (
	InvoiceStatusUnpaid InvoiceStatus = "unpaid"
	InvoiceStatusPaid   InvoiceStatus = "paid"
)

// ConfigSource records which rails a transaction was pushed on.
type ConfigSource string

const (
	ConfigSourceOwner    ConfigSource = "owner"
	ConfigSourcePlatform ConfigSource = "platform"
)

// PreferenceChoice is an owner's collection preference.
type PreferenceChoice string

const (
	PreferenceCustom          PreferenceChoice = "custom"
	PreferencePlatformDefault PreferenceChoice = "platform_default"
)

func (c PreferenceChoice) Valid() bool {
	return c == PreferenceCustom || c == PreferencePlatformDefault
}

// Role separates tenant accounts from property-manager accounts.
type Role string

const (
	RoleTenant  Role = "tenant"
	RoleManager Role = "manager"
)
