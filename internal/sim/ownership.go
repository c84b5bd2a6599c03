package sim

import (
	"context"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"
)

// Ownership issues sequential position handles and tracks their owners.
type Ownership struct {
	mu     sync.Mutex
	nextID uint64
	owners map[uint64]common.Address

	IssueErr error
	BurnErr  error
}

func NewOwnership() *Ownership {
	return &Ownership{nextID: 1, owners: make(map[uint64]common.Address)}
}

func (o *Ownership) Issue(_ context.Context, owner common.Address) (uint64, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.IssueErr != nil {
		err := o.IssueErr
		o.IssueErr = nil
		return 0, err
	}
	id := o.nextID
	o.nextID++
	o.owners[id] = owner
	return id, nil
}

func (o *Ownership) Burn(_ context.Context, id uint64) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.BurnErr != nil {
		err := o.BurnErr
		o.BurnErr = nil
		return err
	}
	if _, ok := o.owners[id]; !ok {
		return fmt.Errorf("sim: unknown handle %d", id)
	}
	delete(o.owners, id)
	return nil
}

func (o *Ownership) OwnerOf(_ context.Context, id uint64) (common.Address, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	owner, ok := o.owners[id]
	if !ok {
		return common.Address{}, fmt.Errorf("sim: unknown handle %d", id)
	}
	return owner, nil
}
