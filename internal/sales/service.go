package sales

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/pharmapos/pharmapos/internal/catalog"
	"github.com/pharmapos/pharmapos/internal/shared"
	"github.com/pharmapos/pharmapos/internal/stock"
)

// RepositoryPort abstracts repository usage for the sales workflow.
type RepositoryPort interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
	GetSale(ctx context.Context, saleID int64) (Sale, error)
	GetSaleByNumber(ctx context.Context, number string) (Sale, error)
	ListByBranch(ctx context.Context, branchID int64, limit int) ([]Sale, error)
	GetReturns(ctx context.Context, saleID int64) ([]SaleReturn, error)
}

// CatalogPort reads drug flags needed at checkout.
type CatalogPort interface {
	GetDrug(ctx context.Context, id int64) (catalog.Drug, error)
}

// AuditPort abstracts audit logging functionality.
type AuditPort interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// Service runs point-of-sale checkout and returns. Every checkout is
// one transaction: the sale header, its items and the stock movements
// commit or roll back as a unit.
type Service struct {
	repo         RepositoryPort
	stock        *stock.Service
	catalog      CatalogPort
	audit        AuditPort
	vatRate      decimal.Decimal
	returnWindow int
	now          func() time.Time
}

// NewService builds Service. vatRate is a percentage; returnWindowDays
// bounds how long after the sale a return is accepted.
func NewService(repo RepositoryPort, stockSvc *stock.Service, catalogPort CatalogPort, audit AuditPort, vatRate decimal.Decimal, returnWindowDays int) *Service {
	return &Service{
		repo:         repo,
		stock:        stockSvc,
		catalog:      catalogPort,
		audit:        audit,
		vatRate:      vatRate,
		returnWindow: returnWindowDays,
		now:          time.Now,
	}
}

// CanAuthorizeDiscount reports whether the actor may approve a discount.
func CanAuthorizeDiscount(actor shared.Actor) bool {
	if actor.CanAuthorize || actor.HasPermission("sales.apply_discount") {
		return true
	}
	for _, role := range discountRoles {
		if actor.HasRole(role) {
			return true
		}
	}
	return false
}

// CreateSale runs a checkout. Lines pinned to a batch dispense from
// that batch; unpinned lines are spread First-Expired-First-Out and may
// produce several items, one per batch taken.
func (s *Service) CreateSale(ctx context.Context, input CreateSaleInput) (Sale, error) {
	if len(input.Lines) == 0 {
		return Sale{}, ErrEmptySale
	}
	if input.BranchID == 0 || input.CashierID == 0 {
		return Sale{}, fmt.Errorf("%w: branch and cashier required", shared.ErrValidation)
	}
	if len(input.Payments) == 0 {
		return Sale{}, fmt.Errorf("%w: at least one payment required", shared.ErrValidation)
	}
	paid := decimal.Zero
	for _, p := range input.Payments {
		switch p.Method {
		case PaymentCash, PaymentCard, PaymentTransfer, PaymentMobileMoney:
		default:
			return Sale{}, fmt.Errorf("%w: unknown payment method %q", shared.ErrValidation, p.Method)
		}
		if !p.Amount.IsPositive() {
			return Sale{}, fmt.Errorf("%w: payment amount must be positive", shared.ErrValidation)
		}
		paid = paid.Add(p.Amount)
	}

	drugs := make(map[int64]catalog.Drug, len(input.Lines))
	needsPrescription := false
	for _, line := range input.Lines {
		if line.Quantity <= 0 {
			return Sale{}, stock.ErrInvalidQuantity
		}
		if _, seen := drugs[line.DrugID]; seen {
			continue
		}
		drug, err := s.catalog.GetDrug(ctx, line.DrugID)
		if err != nil {
			return Sale{}, err
		}
		drugs[line.DrugID] = drug
		if drug.RequiresPrescription() {
			needsPrescription = true
		}
	}
	if needsPrescription && input.PrescriptionNumber == "" {
		return Sale{}, ErrPrescriptionRequired
	}
	if input.DiscountAmount.IsNegative() {
		return Sale{}, fmt.Errorf("%w: negative discount", shared.ErrValidation)
	}
	if input.DiscountAmount.IsPositive() {
		if input.Authorizer == nil || !CanAuthorizeDiscount(*input.Authorizer) {
			return Sale{}, ErrDiscountNotAuthorized
		}
		input.DiscountAuthorizedBy = input.Authorizer.UserID
	}

	soldAt := s.now().UTC()
	var sale Sale
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		number, err := tx.NextSaleNumber(ctx, soldAt)
		if err != nil {
			return err
		}
		items, err := s.dispense(ctx, tx, input, drugs, number, soldAt)
		if err != nil {
			return err
		}

		subtotal := decimal.Zero
		vat := decimal.Zero
		for _, item := range items {
			subtotal = subtotal.Add(item.LineSubtotal)
			vat = vat.Add(item.LineVAT)
		}
		if input.DiscountAmount.GreaterThan(subtotal) {
			return fmt.Errorf("%w: discount exceeds subtotal", shared.ErrValidation)
		}
		total := subtotal.Sub(input.DiscountAmount).Add(vat)
		diff := paid.Sub(total)
		if diff.Abs().GreaterThan(paymentTolerance) {
			if diff.IsNegative() {
				return ErrInsufficientPayment
			}
			return ErrExcessPayment
		}
		change := diff
		if change.IsNegative() {
			change = decimal.Zero
		}

		sale = Sale{
			SaleNumber:           number,
			BranchID:             input.BranchID,
			CashierID:            input.CashierID,
			CustomerName:         input.CustomerName,
			CustomerPhone:        input.CustomerPhone,
			PrescriptionNumber:   input.PrescriptionNumber,
			Status:               StatusCompleted,
			Subtotal:             subtotal,
			DiscountAmount:       input.DiscountAmount,
			DiscountAuthorizedBy: input.DiscountAuthorizedBy,
			VATAmount:            vat,
			TotalAmount:          total,
			PaidAmount:           paid,
			ChangeAmount:         change,
			SoldAt:               soldAt,
		}
		sale, err = tx.InsertSale(ctx, sale)
		if err != nil {
			return err
		}
		for i := range items {
			items[i].SaleID = sale.ID
			items[i], err = tx.InsertSaleItem(ctx, items[i])
			if err != nil {
				return err
			}
		}
		sale.Items = items
		for _, p := range input.Payments {
			payment, err := tx.InsertPayment(ctx, Payment{
				SaleID:    sale.ID,
				Method:    p.Method,
				Amount:    p.Amount,
				Reference: p.Reference,
			})
			if err != nil {
				return err
			}
			sale.Payments = append(sale.Payments, payment)
		}
		return nil
	})
	if err != nil {
		return Sale{}, err
	}
	s.recordAudit(ctx, input.CashierID, sale.BranchID, "sales:create", sale.ID, map[string]any{
		"sale_number": sale.SaleNumber,
		"total":       sale.TotalAmount.StringFixed(2),
		"lines":       len(sale.Items),
	})
	return sale, nil
}

// dispense allocates stock for every line and builds the sale items.
func (s *Service) dispense(ctx context.Context, tx TxRepository, input CreateSaleInput, drugs map[int64]catalog.Drug, number string, soldAt time.Time) ([]SaleItem, error) {
	stockTx := tx.Stock()
	items := make([]SaleItem, 0, len(input.Lines))
	for _, line := range input.Lines {
		drug := drugs[line.DrugID]
		if line.BatchID != 0 {
			batch, err := stockTx.GetBatchForUpdate(ctx, line.BatchID)
			if err != nil {
				return nil, err
			}
			if batch.DrugID != line.DrugID || batch.BranchID != input.BranchID {
				return nil, ErrBatchMismatch
			}
			item, err := s.dispenseFromBatch(ctx, tx, batch, drug, line.Quantity, input, number, soldAt)
			if err != nil {
				return nil, err
			}
			items = append(items, item)
			continue
		}
		batches, err := stockTx.FindAvailableForUpdate(ctx, line.DrugID, input.BranchID)
		if err != nil {
			return nil, err
		}
		plan, err := stock.SelectForAllocation(batches, line.Quantity, soldAt)
		if err != nil {
			return nil, err
		}
		for _, allocation := range plan {
			item, err := s.dispenseFromBatch(ctx, tx, allocation.Batch, drug, allocation.Quantity, input, number, soldAt)
			if err != nil {
				return nil, err
			}
			items = append(items, item)
		}
	}
	return items, nil
}

func (s *Service) dispenseFromBatch(ctx context.Context, tx TxRepository, batch stock.Batch, drug catalog.Drug, quantity int64, input CreateSaleInput, number string, soldAt time.Time) (SaleItem, error) {
	_, err := s.stock.AllocateTx(ctx, tx.Stock(), stock.MovementInput{
		BatchID:       batch.ID,
		Quantity:      quantity,
		UserID:        input.CashierID,
		MovementType:  stock.MovementSale,
		ReferenceType: stock.ReferenceSale,
		ReferenceID:   number,
		Reason:        fmt.Sprintf("Sale %s", number),
		MovementDate:  soldAt,
	})
	if err != nil {
		return SaleItem{}, err
	}
	unitPrice := batch.SellingPrice
	lineSubtotal := unitPrice.Mul(decimal.NewFromInt(quantity))
	lineVAT := decimal.Zero
	// VAT applies only when both the drug and the batch carry the flag;
	// each line rounds independently to two places before summing.
	if drug.VATApplicable && batch.VATApplicable {
		lineVAT = lineSubtotal.Mul(s.vatRate).Div(decimal.NewFromInt(100)).Round(2)
	}
	return SaleItem{
		DrugID:       drug.ID,
		BatchID:      batch.ID,
		Quantity:     quantity,
		UnitPrice:    unitPrice,
		LineSubtotal: lineSubtotal,
		LineVAT:      lineVAT,
		LineTotal:    lineSubtotal.Add(lineVAT),
	}, nil
}

// ProcessReturn restocks returned quantities to the exact batches they
// were sold from and records the refund. Partial and repeated returns
// are allowed inside the return window.
func (s *Service) ProcessReturn(ctx context.Context, input ReturnInput) (SaleReturn, error) {
	if len(input.Lines) == 0 {
		return SaleReturn{}, fmt.Errorf("%w: at least one return line required", shared.ErrValidation)
	}
	now := s.now().UTC()
	var ret SaleReturn
	var branchID int64
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		sale, err := tx.GetSaleForUpdate(ctx, input.SaleID)
		if err != nil {
			return err
		}
		branchID = sale.BranchID
		if now.After(sale.SoldAt.AddDate(0, 0, s.returnWindow)) {
			return ErrReturnWindowClosed
		}

		itemsByID := make(map[int64]SaleItem, len(sale.Items))
		for _, item := range sale.Items {
			itemsByID[item.ID] = item
		}

		refund := decimal.Zero
		returnItems := make([]SaleReturnItem, 0, len(input.Lines))
		for _, line := range input.Lines {
			item, ok := itemsByID[line.SaleItemID]
			if !ok {
				return fmt.Errorf("%w: sale item %d not on sale", shared.ErrValidation, line.SaleItemID)
			}
			if line.Quantity <= 0 {
				return stock.ErrInvalidQuantity
			}
			if line.Quantity > item.ReturnableQuantity() {
				return ErrReturnExceedsSold
			}
			lineRefund := item.LineTotal.
				Div(decimal.NewFromInt(item.Quantity)).
				Mul(decimal.NewFromInt(line.Quantity)).
				Round(2)
			if _, err := s.stock.ReleaseTx(ctx, tx.Stock(), stock.MovementInput{
				BatchID:       item.BatchID,
				Quantity:      line.Quantity,
				UserID:        input.UserID,
				MovementType:  stock.MovementReturn,
				ReferenceType: stock.ReferenceSaleReturn,
				ReferenceID:   sale.SaleNumber,
				Reason:        input.Reason,
				MovementDate:  now,
			}); err != nil {
				return err
			}
			if err := tx.AddReturnedQuantity(ctx, item.ID, line.Quantity); err != nil {
				return err
			}
			item.ReturnedQuantity += line.Quantity
			itemsByID[item.ID] = item
			refund = refund.Add(lineRefund)
			returnItems = append(returnItems, SaleReturnItem{
				SaleItemID:   item.ID,
				BatchID:      item.BatchID,
				Quantity:     line.Quantity,
				RefundAmount: lineRefund,
			})
		}

		ret, err = tx.InsertReturn(ctx, SaleReturn{
			SaleID:       sale.ID,
			UserID:       input.UserID,
			Reason:       input.Reason,
			RefundAmount: refund,
		})
		if err != nil {
			return err
		}
		for i := range returnItems {
			returnItems[i].SaleReturnID = ret.ID
			returnItems[i], err = tx.InsertReturnItem(ctx, returnItems[i])
			if err != nil {
				return err
			}
		}
		ret.Items = returnItems

		fullyReturned := true
		for _, item := range itemsByID {
			if item.ReturnableQuantity() > 0 {
				fullyReturned = false
				break
			}
		}
		status := StatusPartiallyReturned
		if fullyReturned {
			status = StatusReturned
		}
		return tx.UpdateSaleStatus(ctx, sale.ID, status)
	})
	if err != nil {
		return SaleReturn{}, err
	}
	s.recordAudit(ctx, input.UserID, branchID, "sales:return", ret.SaleID, map[string]any{
		"refund": ret.RefundAmount.StringFixed(2),
		"lines":  len(ret.Items),
	})
	return ret, nil
}

// LookupForReturn finds a sale by number and reports what can still be
// returned and until when.
func (s *Service) LookupForReturn(ctx context.Context, number string) (ReturnEligibility, error) {
	sale, err := s.repo.GetSaleByNumber(ctx, number)
	if err != nil {
		return ReturnEligibility{}, err
	}
	expires := sale.SoldAt.AddDate(0, 0, s.returnWindow)
	return ReturnEligibility{
		Sale:          sale,
		WithinWindow:  !s.now().UTC().After(expires),
		WindowExpires: expires,
	}, nil
}

// GetSale loads one sale with items.
func (s *Service) GetSale(ctx context.Context, saleID int64) (Sale, error) {
	return s.repo.GetSale(ctx, saleID)
}

// ListByBranch returns recent sales for the branch.
func (s *Service) ListByBranch(ctx context.Context, branchID int64, limit int) ([]Sale, error) {
	return s.repo.ListByBranch(ctx, branchID, limit)
}

// GetReturns lists returns recorded against a sale.
func (s *Service) GetReturns(ctx context.Context, saleID int64) ([]SaleReturn, error) {
	return s.repo.GetReturns(ctx, saleID)
}

func (s *Service) recordAudit(ctx context.Context, userID, branchID int64, action string, entityID int64, meta map[string]any) {
	if s.audit == nil {
		return
	}
	_ = s.audit.Record(ctx, shared.AuditLog{
		ActorID:  userID,
		BranchID: branchID,
		Action:   action,
		Entity:   "sale",
		EntityID: fmt.Sprintf("%d", entityID),
		Meta:     meta,
	})
}
