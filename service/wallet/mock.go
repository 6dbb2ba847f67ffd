package wallet

import (
	"context"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"
)

// MockProvider is an in-memory Provider for tests. Field values, errors and
// blocking points are configured with the setter methods; every method call
// is counted.
type MockProvider struct {
	mu sync.Mutex

	requestAccounts    []common.Address
	requestErr         error
	authorizedAccounts []common.Address
	authorizedErr      error

	uints    map[Field]*big.Int
	bools    map[Field]bool
	readErrs map[Field]error

	// readUintFunc, when set, is consulted before the stored values. A nil
	// value with a nil error falls through to the stored value.
	readUintFunc func(ctx context.Context, field Field, account common.Address) (*big.Int, error)

	submitErr   error
	confirmErr  error
	onSubmit    func(account common.Address, value *big.Int)
	confirmGate chan struct{}
	nextTx      int64
	submitted   []*big.Int

	calls map[string]int
}

// NewMockProvider creates a mock that authorizes the given accounts on request.
func NewMockProvider(accounts ...common.Address) *MockProvider {
	return &MockProvider{
		requestAccounts: accounts,
		uints:           make(map[Field]*big.Int),
		bools:           make(map[Field]bool),
		readErrs:        make(map[Field]error),
		calls:           make(map[string]int),
	}
}

// Detector returns a Detector that always finds this provider.
func (m *MockProvider) Detector() Detector {
	return DetectorFunc(func(ctx context.Context) (Provider, bool) {
		m.count("Detect")
		return m, true
	})
}

// NoProvider is a Detector for an environment without a wallet.
var NoProvider Detector = DetectorFunc(func(ctx context.Context) (Provider, bool) {
	return nil, false
})

func (m *MockProvider) count(method string) {
	m.mu.Lock()
	m.calls[method]++
	m.mu.Unlock()
}

// Calls returns how many times method was invoked.
func (m *MockProvider) Calls(method string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[method]
}

// TotalCalls returns the number of calls across all Provider methods.
func (m *MockProvider) TotalCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	total := 0
	for method, n := range m.calls {
		if method != "Detect" {
			total += n
		}
	}
	return total
}

// SetRequestResult configures RequestAccounts.
func (m *MockProvider) SetRequestResult(accounts []common.Address, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requestAccounts = accounts
	m.requestErr = err
}

// SetAuthorized configures AuthorizedAccounts.
func (m *MockProvider) SetAuthorized(accounts []common.Address, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.authorizedAccounts = accounts
	m.authorizedErr = err
}

// SetUint stores the raw value returned for field.
func (m *MockProvider) SetUint(field Field, v *big.Int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.uints[field] = v
}

// SetBool stores the flag returned for field.
func (m *MockProvider) SetBool(field Field, v bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.bools[field] = v
}

// SetReadError makes reads of field fail. A nil err clears it.
func (m *MockProvider) SetReadError(field Field, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err == nil {
		delete(m.readErrs, field)
		return
	}
	m.readErrs[field] = err
}

// SetReadUintFunc installs a hook consulted by ReadUint before stored values.
func (m *MockProvider) SetReadUintFunc(fn func(ctx context.Context, field Field, account common.Address) (*big.Int, error)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.readUintFunc = fn
}

// SetSubmitError makes SubmitPurchase fail.
func (m *MockProvider) SetSubmitError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.submitErr = err
}

// SetConfirmError makes AwaitConfirmation fail, e.g. to simulate a revert.
func (m *MockProvider) SetConfirmError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.confirmErr = err
}

// OnSubmit registers a callback run when a purchase is submitted, letting a
// test move contract state the way a mined purchase would.
func (m *MockProvider) OnSubmit(fn func(account common.Address, value *big.Int)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onSubmit = fn
}

// HoldConfirmations makes AwaitConfirmation block until the returned
// function is called or its context ends.
func (m *MockProvider) HoldConfirmations() (release func()) {
	gate := make(chan struct{})
	m.mu.Lock()
	m.confirmGate = gate
	m.mu.Unlock()
	var once sync.Once
	return func() { once.Do(func() { close(gate) }) }
}

// Submitted returns the values of every submitted purchase.
func (m *MockProvider) Submitted() []*big.Int {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*big.Int, len(m.submitted))
	copy(out, m.submitted)
	return out
}

// RequestAccounts implements Provider.
func (m *MockProvider) RequestAccounts(ctx context.Context) ([]common.Address, error) {
	m.count("RequestAccounts")
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.requestErr != nil {
		return nil, m.requestErr
	}
	return append([]common.Address(nil), m.requestAccounts...), nil
}

// AuthorizedAccounts implements Provider.
func (m *MockProvider) AuthorizedAccounts(ctx context.Context) ([]common.Address, error) {
	m.count("AuthorizedAccounts")
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.authorizedErr != nil {
		return nil, m.authorizedErr
	}
	return append([]common.Address(nil), m.authorizedAccounts...), nil
}

// ReadUint implements Provider. Unset fields read as zero.
func (m *MockProvider) ReadUint(ctx context.Context, field Field, account common.Address) (*big.Int, error) {
	m.count("ReadUint")
	m.mu.Lock()
	fn := m.readUintFunc
	m.mu.Unlock()

	if fn != nil {
		v, err := fn(ctx, field, account)
		if err != nil || v != nil {
			return v, err
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if err, ok := m.readErrs[field]; ok {
		return nil, err
	}
	if v, ok := m.uints[field]; ok {
		return new(big.Int).Set(v), nil
	}
	return new(big.Int), nil
}

// ReadBool implements Provider.
func (m *MockProvider) ReadBool(ctx context.Context, field Field, account common.Address) (bool, error) {
	m.count("ReadBool")
	m.mu.Lock()
	defer m.mu.Unlock()
	if err, ok := m.readErrs[field]; ok {
		return false, err
	}
	return m.bools[field], nil
}

// SubmitPurchase implements Provider.
func (m *MockProvider) SubmitPurchase(ctx context.Context, account common.Address, value *big.Int) (common.Hash, error) {
	m.count("SubmitPurchase")
	m.mu.Lock()
	if m.submitErr != nil {
		err := m.submitErr
		m.mu.Unlock()
		return common.Hash{}, err
	}
	m.nextTx++
	hash := common.HexToHash(fmt.Sprintf("0x%064x", m.nextTx))
	m.submitted = append(m.submitted, new(big.Int).Set(value))
	hook := m.onSubmit
	m.mu.Unlock()

	if hook != nil {
		hook(account, value)
	}
	return hash, nil
}

// AwaitConfirmation implements Provider.
func (m *MockProvider) AwaitConfirmation(ctx context.Context, handle common.Hash) (common.Hash, error) {
	m.count("AwaitConfirmation")
	m.mu.Lock()
	gate := m.confirmGate
	m.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return common.Hash{}, ctx.Err()
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.confirmErr != nil {
		return common.Hash{}, m.confirmErr
	}
	return handle, nil
}
