// Package product defines the unit of work of a bulk download run.
//
// An [Item] is one row of a listing: the archive's product id, the product
// name (for example a Sentinel SAFE name) and a [Status] that the scheduler
// moves from [StatusPending] to either [StatusSuccess] or [StatusFailed].
//
// # Listing Format
//
// Listings are headerless CSV files with two columns:
//
//	a1b2c3d4-...,S1A_IW_GRDH_1SDV_20230101T050000_20230101T050025_046580_059530_1A2B.SAFE
//	e5f6a7b8-...,S2B_MSIL1C_20230102T103329_N0509_R108_T32TQM_20230102T111509.SAFE
package product
