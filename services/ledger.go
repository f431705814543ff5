package services

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/zhifu/charity-settlement/models"
)

// SettlementRefs are the gateway references recorded when a donation leaves pending.
type SettlementRefs struct {
	PaymentRef string
	Signature  string
}

// LedgerStore 捐款与活动汇总的持久化接口
type LedgerStore interface {
	FindCampaign(ctx context.Context, id string) (*models.Campaign, error)
	SaveCampaign(ctx context.Context, campaign *models.Campaign) error
	FindDonation(ctx context.Context, id string) (*models.Donation, error)
	CreateDonation(ctx context.Context, donation *models.Donation) error
	// TransitionDonation moves a donation from one status to another and reports
	// whether it happened. A donation not currently in from is left untouched.
	TransitionDonation(ctx context.Context, id string, from, to models.DonationStatus, refs *SettlementRefs) (bool, error)
	// IncrementCampaignAggregates adds the deltas at the store level. Returns
	// ErrNotFound when the campaign does not exist.
	IncrementCampaignAggregates(ctx context.Context, campaignID string, amountDelta, donorDelta int64) error
	ListCompletedDonations(ctx context.Context, campaignID string, limit, offset int) ([]models.Donation, int64, error)
	ListDonorDonations(ctx context.Context, donorID string) ([]models.Donation, error)
	// Atomically runs fn in a single transaction; any error rolls back every write made through the passed store.
	Atomically(ctx context.Context, fn func(LedgerStore) error) error
	Ping(ctx context.Context) error
}

// MemoryLedger keeps the ledger in process memory. Used with storage.driver=memory and in tests.
type MemoryLedger struct {
	mu     sync.Mutex
	tables *memoryTables
}

func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{tables: &memoryTables{
		campaigns: make(map[string]models.Campaign),
		donations: make(map[string]models.Donation),
		now:       time.Now,
	}}
}

func (m *MemoryLedger) FindCampaign(_ context.Context, id string) (*models.Campaign, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.tables.findCampaign(id)
}

func (m *MemoryLedger) SaveCampaign(_ context.Context, campaign *models.Campaign) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tables.saveCampaign(campaign)
	return nil
}

func (m *MemoryLedger) FindDonation(_ context.Context, id string) (*models.Donation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.tables.findDonation(id)
}

func (m *MemoryLedger) CreateDonation(_ context.Context, donation *models.Donation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.tables.createDonation(donation)
}

func (m *MemoryLedger) TransitionDonation(_ context.Context, id string, from, to models.DonationStatus, refs *SettlementRefs) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.tables.transition(id, from, to, refs), nil
}

func (m *MemoryLedger) IncrementCampaignAggregates(_ context.Context, campaignID string, amountDelta, donorDelta int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.tables.increment(campaignID, amountDelta, donorDelta)
}

func (m *MemoryLedger) ListCompletedDonations(_ context.Context, campaignID string, limit, offset int) ([]models.Donation, int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rows, total := m.tables.listCompleted(campaignID, limit, offset)
	return rows, total, nil
}

func (m *MemoryLedger) ListDonorDonations(_ context.Context, donorID string) ([]models.Donation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.tables.listDonor(donorID), nil
}

func (m *MemoryLedger) Atomically(_ context.Context, fn func(LedgerStore) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	tx := &memoryTx{
		tables:    m.tables,
		campaigns: make(map[string]*models.Campaign),
		donations: make(map[string]*models.Donation),
	}
	if err := fn(tx); err != nil {
		tx.rollback()
		return err
	}
	return nil
}

func (m *MemoryLedger) Ping(context.Context) error { return nil }

// memoryTx runs under the MemoryLedger lock and journals the prior row
// values so a failed transaction can be undone.
type memoryTx struct {
	tables    *memoryTables
	campaigns map[string]*models.Campaign // nil value: row did not exist
	donations map[string]*models.Donation
}

func (tx *memoryTx) touchCampaign(id string) {
	if _, seen := tx.campaigns[id]; seen {
		return
	}
	if c, ok := tx.tables.campaigns[id]; ok {
		tx.campaigns[id] = &c
		return
	}
	tx.campaigns[id] = nil
}

func (tx *memoryTx) touchDonation(id string) {
	if _, seen := tx.donations[id]; seen {
		return
	}
	if d, ok := tx.tables.donations[id]; ok {
		tx.donations[id] = &d
		return
	}
	tx.donations[id] = nil
}

func (tx *memoryTx) rollback() {
	for id, c := range tx.campaigns {
		if c == nil {
			delete(tx.tables.campaigns, id)
		} else {
			tx.tables.campaigns[id] = *c
		}
	}
	for id, d := range tx.donations {
		if d == nil {
			delete(tx.tables.donations, id)
		} else {
			tx.tables.donations[id] = *d
		}
	}
}

func (tx *memoryTx) FindCampaign(_ context.Context, id string) (*models.Campaign, error) {
	return tx.tables.findCampaign(id)
}

func (tx *memoryTx) SaveCampaign(_ context.Context, campaign *models.Campaign) error {
	tx.touchCampaign(campaign.ID)
	tx.tables.saveCampaign(campaign)
	return nil
}

func (tx *memoryTx) FindDonation(_ context.Context, id string) (*models.Donation, error) {
	return tx.tables.findDonation(id)
}

func (tx *memoryTx) CreateDonation(_ context.Context, donation *models.Donation) error {
	tx.touchDonation(donation.ID)
	return tx.tables.createDonation(donation)
}

func (tx *memoryTx) TransitionDonation(_ context.Context, id string, from, to models.DonationStatus, refs *SettlementRefs) (bool, error) {
	tx.touchDonation(id)
	return tx.tables.transition(id, from, to, refs), nil
}

func (tx *memoryTx) IncrementCampaignAggregates(_ context.Context, campaignID string, amountDelta, donorDelta int64) error {
	tx.touchCampaign(campaignID)
	return tx.tables.increment(campaignID, amountDelta, donorDelta)
}

func (tx *memoryTx) ListCompletedDonations(_ context.Context, campaignID string, limit, offset int) ([]models.Donation, int64, error) {
	rows, total := tx.tables.listCompleted(campaignID, limit, offset)
	return rows, total, nil
}

func (tx *memoryTx) ListDonorDonations(_ context.Context, donorID string) ([]models.Donation, error) {
	return tx.tables.listDonor(donorID), nil
}

func (tx *memoryTx) Atomically(_ context.Context, fn func(LedgerStore) error) error {
	return fn(tx)
}

func (tx *memoryTx) Ping(context.Context) error { return nil }

type memoryTables struct {
	campaigns map[string]models.Campaign
	donations map[string]models.Donation
	order     []string // donation ids in insertion order
	now       func() time.Time
}

func (t *memoryTables) findCampaign(id string) (*models.Campaign, error) {
	c, ok := t.campaigns[id]
	if !ok {
		return nil, fmt.Errorf("campaign %s: %w", id, ErrNotFound)
	}
	return &c, nil
}

func (t *memoryTables) saveCampaign(campaign *models.Campaign) {
	now := t.now()
	if campaign.CreatedAt.IsZero() {
		campaign.CreatedAt = now
	}
	campaign.UpdatedAt = now
	t.campaigns[campaign.ID] = *campaign
}

func (t *memoryTables) findDonation(id string) (*models.Donation, error) {
	d, ok := t.donations[id]
	if !ok {
		return nil, fmt.Errorf("donation %s: %w", id, ErrNotFound)
	}
	return &d, nil
}

func (t *memoryTables) createDonation(donation *models.Donation) error {
	if _, exists := t.donations[donation.ID]; exists {
		return fmt.Errorf("donation %s already exists", donation.ID)
	}
	now := t.now()
	if donation.CreatedAt.IsZero() {
		donation.CreatedAt = now
	}
	donation.UpdatedAt = now
	t.donations[donation.ID] = *donation
	t.order = append(t.order, donation.ID)
	return nil
}

func (t *memoryTables) transition(id string, from, to models.DonationStatus, refs *SettlementRefs) bool {
	d, ok := t.donations[id]
	if !ok || d.Status != from {
		return false
	}
	d.Status = to
	if refs != nil {
		d.ExternalPaymentRef = refs.PaymentRef
		d.ExternalSignature = refs.Signature
	}
	d.UpdatedAt = t.now()
	t.donations[id] = d
	return true
}

func (t *memoryTables) increment(campaignID string, amountDelta, donorDelta int64) error {
	c, ok := t.campaigns[campaignID]
	if !ok {
		return fmt.Errorf("campaign %s: %w", campaignID, ErrNotFound)
	}
	c.RaisedAmount += amountDelta
	c.DonorsCount += donorDelta
	c.UpdatedAt = t.now()
	t.campaigns[campaignID] = c
	return nil
}

// newestFirst walks donations from the most recently created one.
func (t *memoryTables) newestFirst(match func(models.Donation) bool) []models.Donation {
	var out []models.Donation
	for i := len(t.order) - 1; i >= 0; i-- {
		d, ok := t.donations[t.order[i]]
		if ok && match(d) {
			out = append(out, d)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out
}

func (t *memoryTables) listCompleted(campaignID string, limit, offset int) ([]models.Donation, int64) {
	all := t.newestFirst(func(d models.Donation) bool {
		return d.CampaignID == campaignID && d.Status == models.DonationCompleted
	})
	total := int64(len(all))
	if offset >= len(all) {
		return []models.Donation{}, total
	}
	end := len(all)
	if limit > 0 && offset+limit < end {
		end = offset + limit
	}
	return all[offset:end], total
}

func (t *memoryTables) listDonor(donorID string) []models.Donation {
	out := t.newestFirst(func(d models.Donation) bool {
		return d.DonorID != nil && *d.DonorID == donorID && d.Status == models.DonationCompleted
	})
	if out == nil {
		out = []models.Donation{}
	}
	return out
}
