// Package syncer pulls tasks from the external source and appends the
// genuinely new ones to employee ledgers.
package syncer

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/biamino/reportbot/internal/directory"
	"github.com/biamino/reportbot/internal/ledger"
	"github.com/biamino/reportbot/internal/recon"
	"github.com/biamino/reportbot/internal/taskdb"
)

// TaskSource is the external task database, already filtered to
// unfinished tasks.
type TaskSource interface {
	AllTasks(ctx context.Context) ([]taskdb.Task, error)
}

// Stats summarizes one sync run. Counts only; per-item outcomes go to
// the log.
type Stats struct {
	TotalTasks         int `json:"totalTasks"`
	ProcessedAssignees int `json:"processedAssignees"`
	UpdatedLedgers     int `json:"updatedLedgers"`
	Errors             int `json:"errors"`
}

// RunInfo is the last completed run, exposed on the ops endpoint.
type RunInfo struct {
	Stats Stats     `json:"stats"`
	RanAt time.Time `json:"ranAt"`
	Error string    `json:"error,omitempty"`
}

type Orchestrator struct {
	source    TaskSource
	store     ledger.TableStore
	layout    ledger.Layout
	directory *directory.Directory
	logger    *log.Logger
	now       func() time.Time

	mu      sync.Mutex
	lastRun *RunInfo
}

type Options struct {
	Source    TaskSource
	Store     ledger.TableStore
	Layout    ledger.Layout
	Directory *directory.Directory
	Logger    *log.Logger
	Now       func() time.Time
}

func New(opts Options) *Orchestrator {
	logger := opts.Logger
	if logger == nil {
		logger = log.Default()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Orchestrator{
		source:    opts.Source,
		store:     opts.Store,
		layout:    opts.Layout,
		directory: opts.Directory,
		logger:    logger,
		now:       now,
	}
}

// Sync runs one full pass: fetch, group by assignee, resolve, dedup,
// append. Each assignee group is an independent unit of work; a failing
// group is counted and the rest proceed.
func (o *Orchestrator) Sync(ctx context.Context) (Stats, error) {
	var stats Stats
	tasks, err := o.source.AllTasks(ctx)
	if err != nil {
		stats.Errors++
		o.recordRun(stats, err)
		return stats, fmt.Errorf("fetch tasks: %w", err)
	}
	stats.TotalTasks = len(tasks)
	if len(tasks) == 0 {
		o.logger.Printf("syncer: no tasks at source")
		o.recordRun(stats, nil)
		return stats, nil
	}

	// Group by the raw assignee string, keeping first-seen order so runs
	// over the same snapshot process groups in the same sequence.
	groups := map[string][]taskdb.Task{}
	var order []string
	for _, task := range tasks {
		if _, seen := groups[task.Assignee]; !seen {
			order = append(order, task.Assignee)
		}
		groups[task.Assignee] = append(groups[task.Assignee], task)
	}
	stats.ProcessedAssignees = len(order)

	for _, assignee := range order {
		added, err := o.syncAssignee(ctx, assignee, groups[assignee])
		if err != nil {
			o.logger.Printf("syncer: assignee %q: %v", assignee, err)
			stats.Errors++
			continue
		}
		if added > 0 {
			stats.UpdatedLedgers++
		}
	}
	o.logger.Printf("syncer: done: %d tasks, %d assignees, %d ledgers updated, %d errors",
		stats.TotalTasks, stats.ProcessedAssignees, stats.UpdatedLedgers, stats.Errors)
	o.recordRun(stats, nil)
	return stats, nil
}

// syncAssignee appends an assignee's new tasks to their ledger. Groups
// that cannot be resolved to an employee or whose ledger does not exist
// are skipped silently into the log: sync never creates ledgers for
// employees with no reporting history.
func (o *Orchestrator) syncAssignee(ctx context.Context, assignee string, tasks []taskdb.Task) (int, error) {
	firstName, lastName, ok := CleanAssigneeName(assignee)
	if !ok {
		o.logger.Printf("syncer: cannot extract first/last name from %q, skipping", assignee)
		return 0, nil
	}
	emp, found, err := o.directory.FindByName(ctx, lastName, firstName)
	if err != nil {
		return 0, fmt.Errorf("directory lookup %s %s: %w", lastName, firstName, err)
	}
	if !found {
		o.logger.Printf("syncer: employee not found in directory: %s %s, skipping", lastName, firstName)
		return 0, nil
	}
	exists, err := o.store.LedgerExists(ctx, emp.ID)
	if err != nil {
		return 0, fmt.Errorf("ledger %s: %w", emp.ID, err)
	}
	if !exists {
		o.logger.Printf("syncer: no ledger for employee %s, skipping", emp.ID)
		return 0, nil
	}

	table, err := o.store.ReadTable(ctx, emp.ID, ledger.TableTasks)
	if err != nil {
		return 0, fmt.Errorf("read tasks for %s: %w", emp.ID, err)
	}
	existing, err := ledger.DecodeTasks(o.layout.Tasks, table)
	if err != nil {
		return 0, err
	}

	keys := ExistingKeys(existing)
	fresh := FilterNew(tasks, keys)
	added := 0
	today := o.now().Format(recon.DateFormat)
	for _, task := range fresh {
		// The key set grows as rows land, so two source tasks with the
		// same normalized description in one batch append only once.
		key := NormalizeKey(task.Name)
		if _, dup := keys[key]; dup {
			continue
		}
		rec := ledger.TaskRecord{
			AddedDate:   today,
			ID:          GenerateTaskID(task.Name, task.SourceID),
			Description: task.Name,
			DueDate:     formatDueDate(task.DueDate),
		}
		row, err := ledger.EncodeTask(o.layout.Tasks, table.Header, rec)
		if err != nil {
			return added, err
		}
		if err := o.store.AppendRow(ctx, emp.ID, ledger.TableTasks, row); err != nil {
			return added, fmt.Errorf("append task %s: %w", rec.ID, err)
		}
		keys[key] = struct{}{}
		added++
	}
	if added > 0 {
		o.logger.Printf("syncer: added %d tasks for employee %s", added, emp.ID)
	}
	return added, nil
}

func (o *Orchestrator) recordRun(stats Stats, err error) {
	info := &RunInfo{Stats: stats, RanAt: o.now()}
	if err != nil {
		info.Error = err.Error()
	}
	o.mu.Lock()
	o.lastRun = info
	o.mu.Unlock()
}

// LastRun returns the most recent run summary, if any run has finished.
func (o *Orchestrator) LastRun() (RunInfo, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.lastRun == nil {
		return RunInfo{}, false
	}
	return *o.lastRun, true
}

// formatDueDate converts a source ISO date to the ledger's day format.
// The due-date sweep matches strings exactly, so imports normalize here
// or the deadline never fires. Unparseable values pass through raw.
func formatDueDate(raw string) string {
	if len(raw) >= 10 {
		if t, err := time.Parse("2006-01-02", raw[:10]); err == nil {
			return t.Format(recon.DateFormat)
		}
	}
	return raw
}
