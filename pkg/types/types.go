// Package types defines the core domain model shared by the stork-queue scheduler.
package types

import (
	"fmt"
	"strings"
	"time"

	"github.com/ChuLiYu/stork-queue/pkg/ad"
)

// JobID job identifier, monotonically increasing and never reused
type JobID int64

func (id JobID) String() string {
	return fmt.Sprintf("%d", int64(id))
}

// JobStatus job state
type JobStatus string

// Job state constants
const (
	StatusQueued     JobStatus = "queued"     // waiting in the execution queue
	StatusProcessing JobStatus = "processing" // an executor is running a step
	StatusScheduled  JobStatus = "scheduled"  // step made progress, needs another step
	StatusPaused     JobStatus = "paused"     // held out of the queue until resumed
	StatusFailed     JobStatus = "failed"     // terminal: fatal error
	StatusRemoved    JobStatus = "removed"    // terminal: removed by a user
	StatusDone       JobStatus = "done"       // terminal: transfer complete
)

// AllStatuses lists every state in display order.
var AllStatuses = []JobStatus{
	StatusQueued, StatusProcessing, StatusScheduled, StatusPaused,
	StatusFailed, StatusRemoved, StatusDone,
}

// IsTerminal reports whether the state can never change again.
func (s JobStatus) IsTerminal() bool {
	switch s {
	case StatusFailed, StatusRemoved, StatusDone:
		return true
	}
	return false
}

// IsQueueable reports whether a job in this state may sit in the execution queue.
func (s JobStatus) IsQueueable() bool {
	return s == StatusQueued || s == StatusScheduled
}

// ParseStatus converts a client string into a JobStatus.
func ParseStatus(s string) (JobStatus, error) {
	st := JobStatus(strings.ToLower(strings.TrimSpace(s)))
	for _, known := range AllStatuses {
		if st == known {
			return st, nil
		}
	}
	return "", fmt.Errorf("unknown job status %q", s)
}

// Progress bytes transferred so far
type Progress struct {
	Done  int64 `json:"done"`
	Total int64 `json:"total"`
}

// Job a single transfer job
type Job struct {
	// identity
	ID     JobID  `json:"id"`
	Owner  string `json:"owner"`
	Module string `json:"module"`

	// task description
	Src     string            `json:"src"`
	Dest    string            `json:"dest"`
	Options map[string]string `json:"options,omitempty"`
	Cred    string            `json:"cred,omitempty"` // credential token, resolved at step time

	// state tracking
	Status        JobStatus `json:"status"`
	Attempts      int       `json:"attempts"`
	MaxAttempts   int       `json:"max_attempts"`
	Progress      Progress  `json:"progress"`
	Message       string    `json:"message,omitempty"`
	RemovalReason string    `json:"removal_reason,omitempty"`

	// Unix milliseconds
	CreatedAt int64 `json:"created_at"`
	UpdatedAt int64 `json:"updated_at"`
}

// Clone returns a deep copy.
func (j *Job) Clone() *Job {
	if j == nil {
		return nil
	}
	c := *j
	if j.Options != nil {
		c.Options = make(map[string]string, len(j.Options))
		for k, v := range j.Options {
			c.Options[k] = v
		}
	}
	return &c
}

// Touch updates UpdatedAt.
func (j *Job) Touch() {
	j.UpdatedAt = time.Now().UnixMilli()
}

// Ad renders the job as a response ad.
func (j *Job) Ad() ad.Ad {
	a := ad.Of(
		"job_id", int64(j.ID),
		"owner", j.Owner,
		"module", j.Module,
		"src", j.Src,
		"dest", j.Dest,
		"status", string(j.Status),
		"attempts", j.Attempts,
		"max_attempts", j.MaxAttempts,
		"bytes_done", j.Progress.Done,
		"bytes_total", j.Progress.Total,
		"created_at", j.CreatedAt,
		"updated_at", j.UpdatedAt,
	)
	if j.Message != "" {
		a["message"] = j.Message
	}
	if j.RemovalReason != "" {
		a["removal_reason"] = j.RemovalReason
	}
	if len(j.Options) > 0 {
		opts := ad.New()
		for k, v := range j.Options {
			opts[k] = v
		}
		a["options"] = opts
	}
	return a
}

// User a registered account
type User struct {
	Email    string `json:"email"`
	Name     string `json:"name,omitempty"`
	PassHash string `json:"pass_hash"`
	Created  int64  `json:"created"`
}

// Ad renders the user without the credential.
func (u *User) Ad() ad.Ad {
	return ad.Of("email", u.Email, "name", u.Name, "created", u.Created)
}

// Overload policies for the request intake queue
const (
	OverloadBlock  = "block"
	OverloadReject = "reject"
)

// Config scheduler options; persisted with every snapshot
type Config struct {
	MaxJobs           int    `yaml:"max_jobs" json:"max_jobs"`                       // job executors
	Workers           int    `yaml:"workers" json:"workers"`                         // request workers
	StateSaveInterval int    `yaml:"state_save_interval" json:"state_save_interval"` // seconds
	StateFile         string `yaml:"state_file" json:"state_file"`
	Libexec           string `yaml:"libexec" json:"libexec"`
	RequestQueueSize  int    `yaml:"request_queue_size" json:"request_queue_size"` // 0 = unbounded
	OverloadPolicy    string `yaml:"overload_policy" json:"overload_policy"`
	DumpOnSubmit      bool   `yaml:"dump_on_submit" json:"dump_on_submit"`
	ChunkSize         int64  `yaml:"chunk_size" json:"chunk_size"` // bytes per local step
	MaxAttempts       int    `yaml:"max_attempts" json:"max_attempts"`
	CredTTL           int    `yaml:"cred_ttl" json:"cred_ttl"` // seconds
}

// DefaultConfig returns the stock configuration.
func DefaultConfig() Config {
	return Config{
		MaxJobs:           10,
		Workers:           4,
		StateSaveInterval: 120,
		StateFile:         "stork.state",
		Libexec:           "libexec",
		OverloadPolicy:    OverloadBlock,
		ChunkSize:         4 << 20,
		MaxAttempts:       3,
		CredTTL:           3600,
	}
}

// Normalize replaces invalid values with defaults and returns one
// message per corrected field.
func (c *Config) Normalize() []string {
	def := DefaultConfig()
	var fixed []string
	if c.MaxJobs < 1 {
		fixed = append(fixed, fmt.Sprintf("max_jobs %d < 1, using %d", c.MaxJobs, def.MaxJobs))
		c.MaxJobs = def.MaxJobs
	}
	if c.Workers < 1 {
		fixed = append(fixed, fmt.Sprintf("workers %d < 1, using %d", c.Workers, def.Workers))
		c.Workers = def.Workers
	}
	if c.StateSaveInterval < 1 {
		fixed = append(fixed, fmt.Sprintf("state_save_interval %d < 1, using %d", c.StateSaveInterval, def.StateSaveInterval))
		c.StateSaveInterval = def.StateSaveInterval
	}
	if c.StateFile == "" {
		c.StateFile = def.StateFile
	}
	if c.RequestQueueSize < 0 {
		fixed = append(fixed, "request_queue_size < 0, using unbounded")
		c.RequestQueueSize = 0
	}
	switch c.OverloadPolicy {
	case OverloadBlock, OverloadReject:
	case "":
		c.OverloadPolicy = def.OverloadPolicy
	default:
		fixed = append(fixed, fmt.Sprintf("unknown overload_policy %q, using %q", c.OverloadPolicy, def.OverloadPolicy))
		c.OverloadPolicy = def.OverloadPolicy
	}
	if c.ChunkSize <= 0 {
		c.ChunkSize = def.ChunkSize
	}
	if c.MaxAttempts < 1 {
		c.MaxAttempts = def.MaxAttempts
	}
	if c.CredTTL < 1 {
		c.CredTTL = def.CredTTL
	}
	return fixed
}

// SaveInterval state_save_interval as a duration
func (c Config) SaveInterval() time.Duration {
	return time.Duration(c.StateSaveInterval) * time.Second
}

// Ad renders the config for the info command.
func (c Config) Ad() ad.Ad {
	return ad.Of(
		"max_jobs", c.MaxJobs,
		"workers", c.Workers,
		"state_save_interval", c.StateSaveInterval,
		"state_file", c.StateFile,
		"libexec", c.Libexec,
		"request_queue_size", c.RequestQueueSize,
		"overload_policy", c.OverloadPolicy,
	)
}

// SnapshotData point-in-time copy of config, job table and user table
type SnapshotData struct {
	SchemaVer int              `json:"schema_ver"`
	Config    Config           `json:"config"`
	NextJobID JobID            `json:"next_job_id"`
	Jobs      map[JobID]*Job   `json:"jobs"`
	Users     map[string]*User `json:"users"`
	SavedAt   int64            `json:"saved_at"`
}

// EmptySnapshot returns the state of a fresh scheduler.
func EmptySnapshot() SnapshotData {
	return SnapshotData{
		SchemaVer: 1,
		Config:    DefaultConfig(),
		NextJobID: 1,
		Jobs:      make(map[JobID]*Job),
		Users:     make(map[string]*User),
	}
}
