package jobs

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/coursegraph/coursegraph-backend/internal/domain"
	"github.com/coursegraph/coursegraph-backend/internal/platform/dbctx"
	"github.com/coursegraph/coursegraph-backend/internal/services"
)

// Context is the execution handle for one claimed job. Handlers report
// success and failure only through Complete/Fail; the ledger stays the sole
// writer of job status.
type Context struct {
	Ctx    context.Context
	DB     *gorm.DB
	Job    *domain.Job
	Ledger services.JobLedger
	Notify services.JobNotifier

	payload map[string]any
}

func NewContext(ctx context.Context, db *gorm.DB, job *domain.Job, ledger services.JobLedger, notify services.JobNotifier) *Context {
	c := &Context{
		Ctx:    ctx,
		DB:     db,
		Job:    job,
		Ledger: ledger,
		Notify: notify,
	}
	c.payload = job.PayloadMap()
	return c
}

// PayloadUUID reads a uuid-valued payload field.
func (c *Context) PayloadUUID(key string) (uuid.UUID, error) {
	raw, ok := c.payload[key]
	if !ok {
		return uuid.Nil, fmt.Errorf("payload missing %q", key)
	}
	s, ok := raw.(string)
	if !ok || strings.TrimSpace(s) == "" {
		return uuid.Nil, fmt.Errorf("payload field %q is not a string id", key)
	}
	id, err := uuid.Parse(s)
	if err != nil {
		return uuid.Nil, fmt.Errorf("payload field %q: %w", key, err)
	}
	return id, nil
}

// PayloadString reads a string payload field, empty when absent.
func (c *Context) PayloadString(key string) string {
	s, _ := c.payload[key].(string)
	return s
}

// Complete moves the job active->complete with its single result reference.
func (c *Context) Complete(opts services.TransitionOpts) error {
	dbc := dbctx.New(c.Ctx)
	if err := c.Ledger.Transition(dbc, c.Job.ID, domain.JobStatusActive, domain.JobStatusComplete, opts); err != nil {
		return err
	}
	c.Job.Status = domain.JobStatusComplete
	_ = c.Notify.Notify(c.Ctx, c.Job)
	return nil
}

// Fail moves the job active->failed recording the cause.
func (c *Context) Fail(cause error) error {
	msg := "unknown failure"
	if cause != nil {
		msg = cause.Error()
	}
	dbc := dbctx.New(c.Ctx)
	if err := c.Ledger.Transition(dbc, c.Job.ID, domain.JobStatusActive, domain.JobStatusFailed, services.TransitionOpts{Error: msg}); err != nil {
		return err
	}
	c.Job.Status = domain.JobStatusFailed
	c.Job.Error = msg
	_ = c.Notify.Notify(c.Ctx, c.Job)
	return nil
}
