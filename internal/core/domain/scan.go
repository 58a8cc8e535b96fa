package domain

type OutcomeKind int

const (
	OutcomeUnknown OutcomeKind = iota
	OutcomeScanned
)

// ScanOutcome is the ledger's answer to one recorded scan. Product,
// Quantity and SessionTotal are only set for OutcomeScanned.
type ScanOutcome struct {
	Kind         OutcomeKind
	Barcode      string
	Product      Product
	Quantity     int
	SessionID    int64
	SessionTotal int
}

func UnknownOutcome(barcode string) ScanOutcome {
	return ScanOutcome{Kind: OutcomeUnknown, Barcode: barcode}
}
