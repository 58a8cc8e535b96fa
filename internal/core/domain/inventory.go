package domain

import "time"

// UnknownLocation holds items a drone has scanned but not yet placed.
const UnknownLocation = "UNKNOWN"

// Product is catalog reference data looked up by barcode.
type Product struct {
	ID      int64
	Barcode string
	SKU     string
	Name    string
}

type InventoryLocation struct {
	ID            int64
	ProductID     int64
	Location      string
	Quantity      int
	LastScanned   *time.Time
	ScanSessionID *int64
}
