package settle

import (
	"fmt"

	"github.com/google/uuid"

	"stexchange/internal/book"
	"stexchange/internal/escrow"
)

type undoKind uint8

const (
	undoDebitReserved undoKind = iota
	undoDebitAvailable
	undoCreditAvailable
	undoFill
)

type undoOp struct {
	kind      undoKind
	owner     uuid.UUID
	asset     escrow.AssetRef
	amount    uint64
	orderID   uint64
	wasFilled bool
}

// undoLog records every mutation of a settlement call so a fatal fault can
// unwind the call to its starting state. Entries are reversed in LIFO order.
type undoLog struct {
	ledger *escrow.Ledger
	book   *book.Book
	ops    []undoOp
}

func (u *undoLog) recordDebitReserved(owner uuid.UUID, asset escrow.AssetRef, amount uint64) {
	u.ops = append(u.ops, undoOp{kind: undoDebitReserved, owner: owner, asset: asset, amount: amount})
}

func (u *undoLog) recordDebitAvailable(owner uuid.UUID, asset escrow.AssetRef, amount uint64) {
	u.ops = append(u.ops, undoOp{kind: undoDebitAvailable, owner: owner, asset: asset, amount: amount})
}

func (u *undoLog) recordCreditAvailable(owner uuid.UUID, asset escrow.AssetRef, amount uint64) {
	u.ops = append(u.ops, undoOp{kind: undoCreditAvailable, owner: owner, asset: asset, amount: amount})
}

func (u *undoLog) recordFill(orderID uint64, amount uint64, wasFilled bool) {
	u.ops = append(u.ops, undoOp{kind: undoFill, orderID: orderID, amount: amount, wasFilled: wasFilled})
}

// rollback reverses all recorded operations. The inverses operate on amounts
// that were just moved, so they cannot fail; if one does, state is corrupt
// beyond local repair and the process must not continue.
func (u *undoLog) rollback() {
	for i := len(u.ops) - 1; i >= 0; i-- {
		op := u.ops[i]
		var err error
		switch op.kind {
		case undoDebitReserved:
			// Inverse of a reserved debit: put the funds back under reservation.
			if err = u.ledger.CreditAvailable(op.owner, op.asset, op.amount); err == nil {
				err = u.ledger.Reserve(op.owner, op.asset, op.amount)
			}
		case undoDebitAvailable:
			err = u.ledger.CreditAvailable(op.owner, op.asset, op.amount)
		case undoCreditAvailable:
			err = u.ledger.DebitAvailable(op.owner, op.asset, op.amount)
		case undoFill:
			u.book.UndoFill(op.orderID, op.amount, op.wasFilled)
		}
		if err != nil {
			panic(fmt.Sprintf("FATAL: settlement rollback failed: %v", err))
		}
	}
	u.ops = u.ops[:0]
}
