package events

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

const (
	// Default maximum log file size (100MB)
	DefaultMaxLogSize = 100 * 1024 * 1024
	// Log file extension
	LogFileExtension = ".jsonl"
	// Rotated log directory name
	RotatedDir = "archive"
)

// LogEntry is one audit record. Fields mirror the closed event union; only
// the fields relevant to the recorded event are populated.
type LogEntry struct {
	Timestamp       time.Time `json:"timestamp"`
	EventType       string    `json:"event_type"`
	TaskID          string    `json:"task_id,omitempty"`
	ActivityID      string    `json:"activity_id,omitempty"`
	ControllerID    string    `json:"controller_id,omitempty"`
	ExperimentRunID string    `json:"experiment_run_id,omitempty"`
	EscalationID    string    `json:"escalation_id,omitempty"`
	Status          string    `json:"status,omitempty"`
	Progress        *int      `json:"progress,omitempty"`
	RetryCount      int       `json:"retry_count,omitempty"`
	Message         string    `json:"message,omitempty"`
	Error           string    `json:"error,omitempty"`
	Checksum        string    `json:"checksum,omitempty"`
}

// AuditLogger provides append-only JSONL logging with size-based rotation.
type AuditLogger struct {
	mu              sync.Mutex
	file            *os.File
	currentSize     int64
	maxSize         int64
	logPath         string
	enableChecksum  bool
	rotationCounter int
}

// NewAuditLogger creates a new audit logger instance
func NewAuditLogger(logPath string, maxSize int64) (*AuditLogger, error) {
	if maxSize <= 0 {
		maxSize = DefaultMaxLogSize
	}

	logger := &AuditLogger{
		logPath: logPath,
		maxSize: maxSize,
	}

	// Ensure log directory exists
	logDir := filepath.Dir(logPath)
	if err := os.MkdirAll(logDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}

	// Open or create log file
	if err := logger.openLogFile(); err != nil {
		return nil, err
	}

	return logger, nil
}

func (l *AuditLogger) openLogFile() error {
	file, err := os.OpenFile(l.logPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("failed to open log file: %w", err)
	}

	stat, err := file.Stat()
	if err != nil {
		file.Close()
		return fmt.Errorf("failed to stat log file: %w", err)
	}

	l.file = file
	l.currentSize = stat.Size()
	return nil
}

// Record converts one bus event into a log entry and appends it.
func (l *AuditLogger) Record(ev Event) error {
	entry := LogEntry{Timestamp: ev.Timestamp}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}

	switch ev.Kind {
	case KindActivityStatus:
		if ev.Activity == nil {
			return fmt.Errorf("activity_status event without payload")
		}
		entry.EventType = string(KindActivityStatus)
		entry.ActivityID = ev.Activity.ActivityID
		entry.Status = string(ev.Activity.Status)
		entry.Progress = ev.Activity.Progress
		entry.Message = ev.Activity.Message
		entry.Error = ev.Activity.Error
	case KindTaskLifecycle:
		if ev.Task == nil {
			return fmt.Errorf("task_lifecycle event without payload")
		}
		entry.EventType = string(ev.Task.Type)
		entry.TaskID = ev.Task.TaskID
		entry.ActivityID = ev.Task.ActivityID
		entry.ControllerID = ev.Task.ControllerID
		entry.ExperimentRunID = ev.Task.ExperimentRunID
		entry.Status = string(ev.Task.Status)
		entry.Error = ev.Task.Error
	case KindEscalation:
		if ev.Escalation == nil {
			return fmt.Errorf("escalation event without payload")
		}
		entry.EventType = "escalation_" + string(ev.Escalation.Type)
		entry.EscalationID = ev.Escalation.ID
		entry.TaskID = ev.Escalation.TaskID
		entry.ActivityID = ev.Escalation.ActivityID
		entry.ControllerID = ev.Escalation.ControllerID
		entry.ExperimentRunID = ev.Escalation.ExperimentRunID
		entry.RetryCount = ev.Escalation.RetryCount
		entry.Error = ev.Escalation.Error
	default:
		return fmt.Errorf("unknown event kind %q", ev.Kind)
	}

	return l.WriteEntry(&entry)
}

// SubscribeAll attaches the logger to every event kind on the bus. Returns a
// single function detaching all three subscriptions.
func (l *AuditLogger) SubscribeAll(bus *Bus) func() {
	record := func(ev Event) { _ = l.Record(ev) }
	unsubs := []func(){
		bus.Subscribe(KindActivityStatus, record),
		bus.Subscribe(KindTaskLifecycle, record),
		bus.Subscribe(KindEscalation, record),
	}
	return func() {
		for _, u := range unsubs {
			u()
		}
	}
}

// WriteEntry writes a structured log entry to the file
func (l *AuditLogger) WriteEntry(entry *LogEntry) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	// Add checksum if enabled
	if l.enableChecksum {
		entry.Checksum = l.calculateChecksum(entry)
	}

	// Marshal entry to JSON
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal log entry: %w", err)
	}

	// Add newline for JSONL format
	data = append(data, '\n')

	// Check if rotation is needed
	if l.currentSize+int64(len(data)) > l.maxSize {
		if err := l.rotate(); err != nil {
			return fmt.Errorf("failed to rotate log: %w", err)
		}
	}

	// Write to file with lock
	n, err := l.file.Write(data)
	if err != nil {
		return fmt.Errorf("failed to write log entry: %w", err)
	}

	// Sync to disk for durability
	if err := l.file.Sync(); err != nil {
		return fmt.Errorf("failed to sync log file: %w", err)
	}

	l.currentSize += int64(n)
	return nil
}

// rotate performs log rotation
func (l *AuditLogger) rotate() error {
	// Close current file
	if err := l.file.Close(); err != nil {
		return fmt.Errorf("failed to close current log file: %w", err)
	}

	// Create rotation directory if needed
	rotatedDir := filepath.Join(filepath.Dir(l.logPath), RotatedDir)
	if err := os.MkdirAll(rotatedDir, 0755); err != nil {
		return fmt.Errorf("failed to create rotation directory: %w", err)
	}

	// Generate archive filename with timestamp
	timestamp := time.Now().Format("20060102_150405")
	l.rotationCounter++
	baseName := filepath.Base(l.logPath)
	archiveName := fmt.Sprintf("%s.%s.%d%s",
		baseName[:len(baseName)-len(LogFileExtension)],
		timestamp,
		l.rotationCounter,
		LogFileExtension)
	archivePath := filepath.Join(rotatedDir, archiveName)

	// Move current log to archive
	if err := os.Rename(l.logPath, archivePath); err != nil {
		return fmt.Errorf("failed to archive log file: %w", err)
	}

	// Open new log file
	if err := l.openLogFile(); err != nil {
		return fmt.Errorf("failed to open new log file: %w", err)
	}

	return nil
}

// calculateChecksum calculates a simple checksum for integrity verification
func (l *AuditLogger) calculateChecksum(entry *LogEntry) string {
	// Create a copy without the checksum field
	entryCopy := *entry
	entryCopy.Checksum = ""

	data, err := json.Marshal(entryCopy)
	if err != nil {
		return ""
	}

	hash := fmt.Sprintf("%x", simpleHash(data))
	return hash
}

// simpleHash provides a basic hash function for checksums
func simpleHash(data []byte) uint64 {
	var hash uint64 = 5381
	for _, b := range data {
		hash = ((hash << 5) + hash) + uint64(b)
	}
	return hash
}

// EnableChecksum enables checksum calculation for log entries
func (l *AuditLogger) EnableChecksum(enable bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.enableChecksum = enable
}

// VerifyLogIntegrity verifies the integrity of log entries in a file
func VerifyLogIntegrity(logPath string) (int, int, error) {
	file, err := os.Open(logPath)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to open log file: %w", err)
	}
	defer file.Close()

	decoder := json.NewDecoder(file)
	totalEntries := 0
	validEntries := 0

	for decoder.More() {
		var entry LogEntry
		if err := decoder.Decode(&entry); err != nil {
			// Skip malformed entries
			continue
		}

		totalEntries++

		// If entry has checksum, verify it
		if entry.Checksum != "" {
			expectedChecksum := entry.Checksum
			entry.Checksum = ""

			data, err := json.Marshal(entry)
			if err != nil {
				continue
			}

			actualChecksum := fmt.Sprintf("%x", simpleHash(data))
			if actualChecksum == expectedChecksum {
				validEntries++
			}
		} else {
			// Entries without checksum are considered valid
			validEntries++
		}
	}

	return totalEntries, validEntries, nil
}

// Close closes the audit logger
func (l *AuditLogger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file != nil {
		if err := l.file.Sync(); err != nil {
			return err
		}
		return l.file.Close()
	}
	return nil
}

// CurrentLogPath returns the current log file path
func (l *AuditLogger) CurrentLogPath() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.logPath
}

// CurrentSize returns the current size of the log file
func (l *AuditLogger) CurrentSize() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.currentSize
}
