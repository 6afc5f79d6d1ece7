package catalog

import "errors"

// Drug is an immutable catalog entry. The inventory core reads drugs to
// evaluate prescription and VAT rules; it never mutates them.
type Drug struct {
	ID               int64  `json:"id"`
	Name             string `json:"name"`
	GenericName      string `json:"generic_name"`
	Strength         string `json:"strength"`
	DosageForm       string `json:"dosage_form"`
	Barcode          string `json:"barcode"`
	PrescriptionOnly bool   `json:"prescription_only"`
	ControlledClass  string `json:"controlled_class"`
	VATApplicable    bool   `json:"vat_applicable"`
}

// RequiresPrescription reports whether dispensing needs a prescription
// number. Controlled substances always do.
func (d Drug) RequiresPrescription() bool {
	return d.PrescriptionOnly || d.IsControlled()
}

// IsControlled reports whether the drug is a controlled substance.
func (d Drug) IsControlled() bool {
	return d.ControlledClass != ""
}

// Branch is a physical pharmacy location. Batches, sales and ledger
// entries are partitioned by branch.
type Branch struct {
	ID   int64  `json:"id"`
	Code string `json:"code"`
	Name string `json:"name"`
}

// ErrDrugNotFound indicates a missing catalog entry.
var ErrDrugNotFound = errors.New("catalog: drug not found")

// ErrBranchNotFound indicates a missing branch.
var ErrBranchNotFound = errors.New("catalog: branch not found")
