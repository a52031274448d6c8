// Package directory reads the team directory sheet: the externally
// maintained roster mapping employees to their ledgers and chat
// identities. The service never writes it.
package directory

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/biamino/reportbot/internal/ledger"
)

const DefaultCacheTTL = 5 * time.Minute

// Employee is one directory row. ChatIDs may list several messenger
// identities for one person (comma-separated in the sheet).
type Employee struct {
	ID        string
	LastName  string
	FirstName string
	ChatIDs   []int64
	Password  string
}

func (e Employee) FullName() string {
	return strings.TrimSpace(e.LastName + " " + e.FirstName)
}

// cacheEntry is the process-wide directory snapshot. Invalidation is
// time-only: edits to the directory can be stale for up to the TTL.
type cacheEntry struct {
	employees []Employee
	fetchedAt time.Time
}

type Directory struct {
	store  ledger.TableStore
	layout ledger.DirectoryLayout
	ttl    time.Duration
	now    func() time.Time

	mu    sync.Mutex
	cache *cacheEntry
}

type Options struct {
	Store  ledger.TableStore
	Layout ledger.DirectoryLayout
	TTL    time.Duration
	Now    func() time.Time
}

func New(opts Options) *Directory {
	ttl := opts.TTL
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Directory{
		store:  opts.Store,
		layout: opts.Layout,
		ttl:    ttl,
		now:    now,
	}
}

// Employees returns the cached roster, refetching after the TTL.
func (d *Directory) Employees(ctx context.Context) ([]Employee, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.cache != nil && d.now().Sub(d.cache.fetchedAt) < d.ttl {
		return d.cache.employees, nil
	}
	employees, err := d.fetch(ctx)
	if err != nil {
		return nil, err
	}
	d.cache = &cacheEntry{employees: employees, fetchedAt: d.now()}
	return employees, nil
}

func (d *Directory) fetch(ctx context.Context) ([]Employee, error) {
	table, err := d.store.ReadSheet(ctx, d.layout.Sheet)
	if err != nil {
		return nil, fmt.Errorf("directory sheet %s: %w", d.layout.Sheet, err)
	}
	idCol, ok := ledger.ResolveColumn(table.Header, d.layout.IDCol)
	if !ok {
		return nil, fmt.Errorf("%w: column %q not found in directory header", ledger.ErrSchema, d.layout.IDCol)
	}
	lastCol, ok := ledger.ResolveColumn(table.Header, d.layout.LastNameCol)
	if !ok {
		return nil, fmt.Errorf("%w: column %q not found in directory header", ledger.ErrSchema, d.layout.LastNameCol)
	}
	firstCol, ok := ledger.ResolveColumn(table.Header, d.layout.FirstNameCol)
	if !ok {
		return nil, fmt.Errorf("%w: column %q not found in directory header", ledger.ErrSchema, d.layout.FirstNameCol)
	}
	// Chat and password columns are optional: directories predating the
	// bot roll-out lack them.
	chatCol, hasChat := ledger.ResolveColumn(table.Header, d.layout.ChatIDCol)
	passCol, hasPass := ledger.ResolveColumn(table.Header, d.layout.PasswordCol)

	employees := make([]Employee, 0, len(table.Rows))
	for i := range table.Rows {
		emp := Employee{
			ID:        strings.TrimSpace(table.Cell(i, idCol)),
			LastName:  strings.TrimSpace(table.Cell(i, lastCol)),
			FirstName: strings.TrimSpace(table.Cell(i, firstCol)),
		}
		if emp.ID == "" {
			continue
		}
		if hasChat {
			emp.ChatIDs = ParseChatIDs(table.Cell(i, chatCol))
		}
		if hasPass {
			emp.Password = strings.TrimSpace(table.Cell(i, passCol))
		}
		employees = append(employees, emp)
	}
	return employees, nil
}

// Refresh drops the cache so the next read refetches.
func (d *Directory) Refresh() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.cache = nil
}

// FindByName matches case-insensitively on trimmed last and first name.
func (d *Directory) FindByName(ctx context.Context, lastName, firstName string) (Employee, bool, error) {
	employees, err := d.Employees(ctx)
	if err != nil {
		return Employee{}, false, err
	}
	last := strings.ToLower(strings.TrimSpace(lastName))
	first := strings.ToLower(strings.TrimSpace(firstName))
	for _, emp := range employees {
		if strings.ToLower(emp.LastName) == last && strings.ToLower(emp.FirstName) == first {
			return emp, true, nil
		}
	}
	return Employee{}, false, nil
}

// FindByChatID locates the employee owning a messenger identity.
func (d *Directory) FindByChatID(ctx context.Context, chatID int64) (Employee, bool, error) {
	employees, err := d.Employees(ctx)
	if err != nil {
		return Employee{}, false, err
	}
	for _, emp := range employees {
		for _, id := range emp.ChatIDs {
			if id == chatID {
				return emp, true, nil
			}
		}
	}
	return Employee{}, false, nil
}

// VerifyPassword checks directory credentials for the legacy name+password
// login flow. Comparison is plain string equality, as the sheet stores
// the password in clear text.
func (d *Directory) VerifyPassword(ctx context.Context, lastName, firstName, password string) (Employee, bool, error) {
	emp, ok, err := d.FindByName(ctx, lastName, firstName)
	if err != nil || !ok {
		return Employee{}, false, err
	}
	if emp.Password == "" || emp.Password != strings.TrimSpace(password) {
		return Employee{}, false, nil
	}
	return emp, true, nil
}

// ParseChatIDs splits a directory chat-id cell. Malformed entries are
// dropped rather than failing the row.
func ParseChatIDs(field string) []int64 {
	var ids []int64
	for _, part := range strings.Split(field, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		id, err := strconv.ParseInt(part, 10, 64)
		if err != nil {
			continue
		}
		ids = append(ids, id)
	}
	return ids
}
