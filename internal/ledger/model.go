package ledger

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/uptrace/bun"
)

// Charge is the amount billed to one student for one term. Balance is what
// remains owed and always satisfies 0 <= Balance <= Total.
type Charge struct {
	bun.BaseModel `bun:"table:tuition_charges,alias:c"`

	ID        int64           `bun:"id,pk,autoincrement" json:"id"`
	StudentNo string          `bun:"student_no,notnull,unique:charge_key" json:"studentNo"`
	Term      string          `bun:"term,notnull,unique:charge_key" json:"term"`
	Total     decimal.Decimal `bun:"total,type:numeric(18,2),notnull" json:"total"`
	Balance   decimal.Decimal `bun:"balance,type:numeric(18,2),notnull" json:"balance"`
	CreatedAt time.Time       `bun:"created_at,nullzero,notnull,default:current_timestamp" json:"createdAt"`
	UpdatedAt time.Time       `bun:"updated_at,nullzero,notnull,default:current_timestamp" json:"updatedAt"`
}

// Settled reports whether nothing remains owed.
func (c *Charge) Settled() bool {
	return !c.Balance.IsPositive()
}

var _ bun.AfterCreateTableHook = (*Charge)(nil)

func (*Charge) AfterCreateTable(ctx context.Context, query *bun.CreateTableQuery) error {
	_, err := query.DB().NewCreateIndex().
		Model((*Charge)(nil)).
		Index("tuition_charges_unpaid_idx").
		IfNotExists().
		Column("student_no", "term").
		Where("balance > 0").
		Exec(ctx)
	return err
}

// Payment is an immutable record of money applied to a charge. Amount is the
// applied amount after clamping to the balance, never the requested one.
type Payment struct {
	bun.BaseModel `bun:"table:payments,alias:p"`

	ID        uuid.UUID       `bun:"id,pk,type:uuid" json:"id"`
	StudentNo string          `bun:"student_no,notnull" json:"studentNo"`
	Term      string          `bun:"term,notnull" json:"term"`
	Amount    decimal.Decimal `bun:"amount,type:numeric(18,2),notnull" json:"amount"`
	PaidAt    time.Time       `bun:"paid_at,notnull" json:"paidAt"`
}

var _ bun.AfterCreateTableHook = (*Payment)(nil)

func (*Payment) AfterCreateTable(ctx context.Context, query *bun.CreateTableQuery) error {
	if _, err := query.DB().NewCreateIndex().
		Model((*Payment)(nil)).
		Index("payments_charge_idx").
		IfNotExists().
		Column("student_no", "term").
		Exec(ctx); err != nil {
		return err
	}

	_, err := query.DB().NewCreateIndex().
		Model((*Payment)(nil)).
		Index("payments_student_paid_at_idx").
		IfNotExists().
		ColumnExpr("student_no, paid_at DESC").
		Exec(ctx)
	return err
}

// Receipt is returned by ApplyPayment.
type Receipt struct {
	PaymentID        uuid.UUID       `json:"paymentId"`
	StudentNo        string          `json:"studentNo"`
	Term             string          `json:"term"`
	Total            decimal.Decimal `json:"total"`
	Applied          decimal.Decimal `json:"applied"`
	RemainingBalance decimal.Decimal `json:"remainingBalance"`
	PaidAt           time.Time       `json:"paidAt"`
}

// TuitionView is the read model served to the student portal and the banking
// channel.
type TuitionView struct {
	StudentNo string          `json:"studentNo"`
	Term      string          `json:"term"`
	Total     decimal.Decimal `json:"total"`
	Balance   decimal.Decimal `json:"balance"`
	Paid      decimal.Decimal `json:"paid"`
	Settled   bool            `json:"settled"`
}

func NewTuitionView(c *Charge) TuitionView {
	return TuitionView{
		StudentNo: c.StudentNo,
		Term:      c.Term,
		Total:     c.Total,
		Balance:   c.Balance,
		Paid:      c.Total.Sub(c.Balance),
		Settled:   c.Settled(),
	}
}

type UpsertChargeRequest struct {
	StudentNo string          `json:"studentNo" validate:"required,max=32"`
	Term      string          `json:"term" validate:"required,max=32"`
	Total     decimal.Decimal `json:"total"`
}

type ApplyPaymentRequest struct {
	StudentNo string          `json:"studentNo" validate:"required,max=32"`
	Term      string          `json:"term" validate:"required,max=32"`
	Amount    decimal.Decimal `json:"amount"`
}
