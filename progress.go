package oil

// Task names a long-running database operation.
type Task string

const (
	TaskRecovery   Task = "recovery"
	TaskDefragment Task = "defragment"
	TaskBackup     Task = "backup"
)

// ProgressMonitor receives incremental progress. done counts records; total
// is -1 when it is not known up front. Backups report the snapshot phase.
//
// Progress is called with database locks held and must not call back into
// the database.
type ProgressMonitor interface {
	Progress(task Task, done, total int64)
}

// ProgressFunc adapts a function to ProgressMonitor.
type ProgressFunc func(task Task, done, total int64)

// Progress implements ProgressMonitor.
func (f ProgressFunc) Progress(task Task, done, total int64) { f(task, done, total) }

// NoopProgressMonitor discards progress.
type NoopProgressMonitor struct{}

func (NoopProgressMonitor) Progress(Task, int64, int64) {}

// progressEvery is the record interval between progress reports.
const progressEvery = 1024

type progressCounter struct {
	pm    ProgressMonitor
	task  Task
	total int64
	done  int64
}

func newProgressCounter(pm ProgressMonitor, task Task, total int64) *progressCounter {
	pm.Progress(task, 0, total)
	return &progressCounter{pm: pm, task: task, total: total}
}

func (p *progressCounter) add(n int64) {
	p.done += n
	if p.done%progressEvery < n {
		p.pm.Progress(p.task, p.done, p.total)
	}
}

func (p *progressCounter) finish() {
	p.pm.Progress(p.task, p.done, p.done)
}
