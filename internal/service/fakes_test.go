package service

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/ecobank/hivemint/internal/domain"
	"github.com/ecobank/hivemint/internal/paypal"

	"github.com/ecobank/hivemint/internal/hive"
)

// fakeStore mirrors the Postgres store's semantics in memory: idempotency
// replay, balance guards, single-active-reservation, needs_review commits.
type fakeStore struct {
	mu           sync.Mutex
	balances     map[int64]int64
	events       map[string]*domain.LedgerEvent
	captures     map[string]*domain.PaymentCapture
	reservations map[string]*domain.Reservation
	accounts     map[string]*domain.ProvisionedAccount

	creditErr error // injected failure for CreditCapture
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		balances:     map[int64]int64{},
		events:       map[string]*domain.LedgerEvent{},
		captures:     map[string]*domain.PaymentCapture{},
		reservations: map[string]*domain.Reservation{},
		accounts:     map[string]*domain.ProvisionedAccount{},
	}
}

func (s *fakeStore) applyEventLocked(ev *domain.LedgerEvent) (int64, error) {
	if prior, ok := s.events[ev.IdempotencyKey]; ok {
		if prior.UserID != ev.UserID || prior.Kind != ev.Kind || prior.Amount != ev.Amount {
			return 0, domain.ErrIdempotencyMismatch
		}
		return s.balances[ev.UserID], nil
	}
	ev.Delta = domain.DeltaFor(ev.Kind, ev.Amount)
	if s.balances[ev.UserID]+ev.Delta < 0 {
		return 0, domain.ErrInsufficientCredits
	}
	ev.CreatedAt = time.Now()
	cp := *ev
	s.events[ev.IdempotencyKey] = &cp
	s.balances[ev.UserID] += ev.Delta
	return s.balances[ev.UserID], nil
}

// eventSum recomputes a user's balance from committed events, for the
// balance invariant assertions.
func (s *fakeStore) eventSum(userID int64) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	var sum int64
	for _, ev := range s.events {
		if ev.UserID == userID {
			sum += ev.Delta
		}
	}
	return sum
}

func (s *fakeStore) eventCount(kind domain.EventKind) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, ev := range s.events {
		if ev.Kind == kind {
			n++
		}
	}
	return n
}

func (s *fakeStore) CreateCapture(_ context.Context, cap *domain.PaymentCapture) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.captures[cap.OrderID]; ok {
		return nil
	}
	cp := *cap
	s.captures[cap.OrderID] = &cp
	return nil
}

func (s *fakeStore) GetCapture(_ context.Context, orderID string) (*domain.PaymentCapture, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cap, ok := s.captures[orderID]
	if !ok {
		return nil, domain.ErrOrderNotFound
	}
	cp := *cap
	return &cp, nil
}

func (s *fakeStore) CreditCapture(_ context.Context, orderID string, credits int64, ev *domain.LedgerEvent) (int64, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.creditErr != nil {
		err := s.creditErr
		s.creditErr = nil
		return 0, false, err
	}
	cap, ok := s.captures[orderID]
	if !ok {
		return 0, false, domain.ErrOrderNotFound
	}
	if cap.Status == domain.CaptureCredited {
		return s.balances[cap.UserID], true, nil
	}
	balance, err := s.applyEventLocked(ev)
	if err != nil {
		return 0, false, err
	}
	cap.Status = domain.CaptureCredited
	cap.Credits = credits
	return balance, false, nil
}

func (s *fakeStore) SetCaptureStatus(_ context.Context, orderID string, status domain.CaptureStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cap, ok := s.captures[orderID]
	if !ok {
		return domain.ErrOrderNotFound
	}
	if cap.Status == domain.CaptureCredited || cap.Status == domain.CaptureRefunded {
		return domain.ErrOrderNotFound
	}
	cap.Status = status
	return nil
}

func (s *fakeStore) RevokeCapture(_ context.Context, orderID string, ev *domain.LedgerEvent) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cap, ok := s.captures[orderID]
	if !ok {
		return false, domain.ErrOrderNotFound
	}
	if cap.Status != domain.CaptureCredited {
		return false, nil
	}
	ev.Amount = cap.Credits
	applied := true
	if _, err := s.applyEventLocked(ev); err != nil {
		if !errors.Is(err, domain.ErrInsufficientCredits) {
			return false, err
		}
		applied = false
	}
	cap.Status = domain.CaptureRefunded
	return applied, nil
}

func (s *fakeStore) CreateReservation(_ context.Context, res *domain.Reservation, ev *domain.LedgerEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.reservations {
		if existing.UserID == res.UserID &&
			(existing.Status == domain.ReservationHeld || existing.Status == domain.ReservationProvisioning) {
			return domain.ErrReservationActive
		}
	}
	if _, err := s.applyEventLocked(ev); err != nil {
		return err
	}
	res.Status = domain.ReservationHeld
	res.CreatedAt = time.Now()
	cp := *res
	s.reservations[res.ID] = &cp
	return nil
}

func (s *fakeStore) MarkReservationProvisioning(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	res, ok := s.reservations[id]
	if !ok || res.Status != domain.ReservationHeld {
		return errors.New("reservation not in held state")
	}
	res.Status = domain.ReservationProvisioning
	return nil
}

func (s *fakeStore) CommitReservation(_ context.Context, resID string, acct *domain.ProvisionedAccount, ev *domain.LedgerEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	res, ok := s.reservations[resID]
	if !ok {
		return domain.ErrOrderNotFound
	}
	switch res.Status {
	case domain.ReservationCommitted:
		return nil
	case domain.ReservationRefunded, domain.ReservationNeedsReview:
		cp := *acct
		s.accounts[acct.Name] = &cp
		res.Status = domain.ReservationNeedsReview
		return domain.ErrReservationRefunded
	default:
		cp := *acct
		s.accounts[acct.Name] = &cp
		if _, err := s.applyEventLocked(ev); err != nil {
			delete(s.accounts, acct.Name)
			return err
		}
		res.Status = domain.ReservationCommitted
		return nil
	}
}

func (s *fakeStore) ReleaseReservation(_ context.Context, resID string, ev *domain.LedgerEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	res, ok := s.reservations[resID]
	if !ok {
		return domain.ErrOrderNotFound
	}
	if res.Status != domain.ReservationHeld && res.Status != domain.ReservationProvisioning {
		return nil
	}
	ev.Amount = res.Credits
	if _, err := s.applyEventLocked(ev); err != nil {
		return err
	}
	res.Status = domain.ReservationRefunded
	return nil
}

func (s *fakeStore) ExpiredReservations(_ context.Context, cutoff time.Time) ([]domain.Reservation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Reservation
	for _, res := range s.reservations {
		if (res.Status == domain.ReservationHeld || res.Status == domain.ReservationProvisioning) &&
			res.CreatedAt.Before(cutoff) {
			out = append(out, *res)
		}
	}
	return out, nil
}

func (s *fakeStore) GetAccountByName(_ context.Context, name string) (*domain.ProvisionedAccount, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	acct, ok := s.accounts[name]
	if !ok {
		return nil, domain.ErrAccountNotFound
	}
	cp := *acct
	return &cp, nil
}

func (s *fakeStore) CreateImportedAccount(_ context.Context, acct *domain.ProvisionedAccount) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.accounts[acct.Name]; ok {
		return domain.ErrAccountNameTaken
	}
	acct.CreatedAt = time.Now()
	cp := *acct
	s.accounts[acct.Name] = &cp
	return nil
}

func (s *fakeStore) SetDelegationStatus(_ context.Context, name string, status domain.DelegationStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	acct, ok := s.accounts[name]
	if !ok {
		return domain.ErrAccountNotFound
	}
	acct.DelegationStatus = status
	return nil
}

func (s *fakeStore) CurrentBalance(_ context.Context, userID int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.balances[userID], nil
}

func (s *fakeStore) setBalance(userID, balance int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.balances[userID] = balance
}

func (s *fakeStore) reservation(id string) *domain.Reservation {
	s.mu.Lock()
	defer s.mu.Unlock()
	res, ok := s.reservations[id]
	if !ok {
		return nil
	}
	cp := *res
	return &cp
}

func (s *fakeStore) capture(orderID string) *domain.PaymentCapture {
	s.mu.Lock()
	defer s.mu.Unlock()
	cap, ok := s.captures[orderID]
	if !ok {
		return nil
	}
	cp := *cap
	return &cp
}

func (s *fakeStore) account(name string) *domain.ProvisionedAccount {
	s.mu.Lock()
	defer s.mu.Unlock()
	acct, ok := s.accounts[name]
	if !ok {
		return nil
	}
	cp := *acct
	return &cp
}

// fakeProcessor plays the payment processor.
type fakeProcessor struct {
	mu         sync.Mutex
	orders     map[string]*paypal.Order
	nextID     int
	verifyOK   bool
	verifyErr  error
	captureErr error
	getErr     error
}

func newFakeProcessor() *fakeProcessor {
	return &fakeProcessor{orders: map[string]*paypal.Order{}, verifyOK: true}
}

func (p *fakeProcessor) CreateOrder(_ context.Context, total decimal.Decimal, _, _ string) (*paypal.Order, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.nextID++
	order := &paypal.Order{
		ID:       "ORDER-" + string(rune('A'+p.nextID-1)),
		Status:   "CREATED",
		Amount:   total,
		Currency: "USD",
	}
	p.orders[order.ID] = order
	return order, nil
}

func (p *fakeProcessor) GetOrder(_ context.Context, orderID string) (*paypal.Order, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.getErr != nil {
		return nil, p.getErr
	}
	order, ok := p.orders[orderID]
	if !ok {
		return nil, errors.New("processor: order not found")
	}
	cp := *order
	return &cp, nil
}

func (p *fakeProcessor) CaptureOrder(_ context.Context, orderID string) (*paypal.Order, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.captureErr != nil {
		return nil, p.captureErr
	}
	order, ok := p.orders[orderID]
	if !ok {
		return nil, errors.New("processor: order not found")
	}
	order.Status = "COMPLETED"
	cp := *order
	return &cp, nil
}

func (p *fakeProcessor) VerifyWebhookSignature(_ context.Context, _ http.Header, _ []byte) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.verifyOK, p.verifyErr
}

// fakeChain plays the chain node. createErrs are consumed one per
// CreateClaimedAccount call before createOK applies.
type fakeChain struct {
	mu          sync.Mutex
	exists      map[string]bool
	auths       map[string]*hive.AccountAuthorities
	tickets     int
	ticketsErr  error
	createErrs  []error
	createCalls int
	delegateErr error
	existsErr   error
}

func newFakeChain() *fakeChain {
	return &fakeChain{
		exists:  map[string]bool{},
		auths:   map[string]*hive.AccountAuthorities{},
		tickets: 5,
	}
}

func (c *fakeChain) Prefix() string { return "STM" }

func (c *fakeChain) AccountExists(_ context.Context, name string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.existsErr != nil {
		return false, c.existsErr
	}
	return c.exists[name], nil
}

func (c *fakeChain) AccountAuthorities(_ context.Context, name string) (*hive.AccountAuthorities, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	a, ok := c.auths[name]
	if !ok {
		return nil, domain.ErrAccountNotFound
	}
	cp := *a
	return &cp, nil
}

func (c *fakeChain) setAuthorities(name string, keys hive.KeySet) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.exists[name] = true
	c.auths[name] = &hive.AccountAuthorities{
		Owner:   []string{keys[hive.RoleOwner].Public},
		Active:  []string{keys[hive.RoleActive].Public},
		Posting: []string{keys[hive.RolePosting].Public},
		Memo:    keys[hive.RoleMemo].Public,
	}
}

func (c *fakeChain) PendingTickets(_ context.Context) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.tickets, c.ticketsErr
}

func (c *fakeChain) HPToVests(_ context.Context, hp float64) (hive.Asset, error) {
	return hive.VestsFromFloat(hp * 1700), nil
}

func (c *fakeChain) CreateClaimedAccount(_ context.Context, name string, _ hive.KeySet) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.createCalls++
	if len(c.createErrs) > 0 {
		err := c.createErrs[0]
		c.createErrs = c.createErrs[1:]
		return "", err
	}
	c.exists[name] = true
	c.tickets--
	return "txid-" + name, nil
}

func (c *fakeChain) DelegateVesting(_ context.Context, _ string, _ hive.Asset) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.delegateErr != nil {
		return "", c.delegateErr
	}
	return "txid-delegation", nil
}

func (c *fakeChain) markExists(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.exists[name] = true
}
