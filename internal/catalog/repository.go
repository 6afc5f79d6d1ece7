package catalog

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Repository reads catalog data from PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs Repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// GetDrug loads a single drug by id.
func (r *Repository) GetDrug(ctx context.Context, id int64) (Drug, error) {
	if r == nil {
		return Drug{}, errors.New("catalog repository not initialised")
	}
	var d Drug
	err := r.pool.QueryRow(ctx, `SELECT id, name, generic_name, strength, dosage_form, barcode, is_prescription_only, COALESCE(controlled_substance_class, ''), vat_applicable
FROM drugs WHERE id=$1 AND deleted_at IS NULL`, id).
		Scan(&d.ID, &d.Name, &d.GenericName, &d.Strength, &d.DosageForm, &d.Barcode, &d.PrescriptionOnly, &d.ControlledClass, &d.VATApplicable)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Drug{}, ErrDrugNotFound
		}
		return Drug{}, err
	}
	return d, nil
}

// GetDrugByBarcode resolves a drug from its barcode.
func (r *Repository) GetDrugByBarcode(ctx context.Context, barcode string) (Drug, error) {
	if r == nil {
		return Drug{}, errors.New("catalog repository not initialised")
	}
	var d Drug
	err := r.pool.QueryRow(ctx, `SELECT id, name, generic_name, strength, dosage_form, barcode, is_prescription_only, COALESCE(controlled_substance_class, ''), vat_applicable
FROM drugs WHERE barcode=$1 AND deleted_at IS NULL`, barcode).
		Scan(&d.ID, &d.Name, &d.GenericName, &d.Strength, &d.DosageForm, &d.Barcode, &d.PrescriptionOnly, &d.ControlledClass, &d.VATApplicable)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Drug{}, ErrDrugNotFound
		}
		return Drug{}, err
	}
	return d, nil
}

// GetBranch loads a branch by id.
func (r *Repository) GetBranch(ctx context.Context, id int64) (Branch, error) {
	if r == nil {
		return Branch{}, errors.New("catalog repository not initialised")
	}
	var b Branch
	err := r.pool.QueryRow(ctx, `SELECT id, code, name FROM branches WHERE id=$1`, id).
		Scan(&b.ID, &b.Code, &b.Name)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Branch{}, ErrBranchNotFound
		}
		return Branch{}, err
	}
	return b, nil
}

// ListBranches returns every active branch ordered by code.
func (r *Repository) ListBranches(ctx context.Context) ([]Branch, error) {
	if r == nil {
		return nil, errors.New("catalog repository not initialised")
	}
	rows, err := r.pool.Query(ctx, `SELECT id, code, name FROM branches ORDER BY code`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var branches []Branch
	for rows.Next() {
		var b Branch
		if err := rows.Scan(&b.ID, &b.Code, &b.Name); err != nil {
			return nil, err
		}
		branches = append(branches, b)
	}
	return branches, rows.Err()
}
