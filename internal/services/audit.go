package services

import (
	"encoding/json"

	"github.com/rs/zerolog"

	"github.com/pandeptwidyaop/mdm-migrate/internal/database"
	"github.com/pandeptwidyaop/mdm-migrate/internal/models"
)

// Audit statuses.
const (
	AuditSuccess = "success"
	AuditFailure = "failure"
)

// AuditService records every privileged operation the helper performs.
type AuditService struct {
	db  *database.DB
	log zerolog.Logger
}

// NewAuditService creates a new AuditService instance.
func NewAuditService(db *database.DB, log zerolog.Logger) *AuditService {
	return &AuditService{db: db, log: log}
}

// AuditLog represents an audit log entry to be recorded.
type AuditLog struct {
	Details      map[string]interface{}
	OperationID  string
	Action       string
	ResourceType string
	ResourceID   string
	Status       string
}

// Log records an audit log entry to the database. Failures are logged and
// returned but never block the audited operation.
func (s *AuditService) Log(entry AuditLog) error {
	var detailsJSON string
	if entry.Details != nil {
		bytes, err := json.Marshal(entry.Details)
		if err == nil {
			detailsJSON = string(bytes)
		}
	}

	_, err := s.db.Exec(`
		INSERT INTO audit_logs (operation_id, action, resource_type, resource_id, status, details)
		VALUES (?, ?, ?, ?, ?, ?)
	`, entry.OperationID, entry.Action, entry.ResourceType, entry.ResourceID, entry.Status, detailsJSON)

	if err != nil {
		s.log.Error().Err(err).Str("action", entry.Action).Msg("Failed to write audit log")
	}
	return err
}

// LogOperation records the outcome of a helper operation.
func (s *AuditService) LogOperation(action, resourceType, resourceID string, opErr error, details map[string]interface{}) {
	if s == nil {
		return
	}
	status := AuditSuccess
	if opErr != nil {
		status = AuditFailure
		if details == nil {
			details = map[string]interface{}{}
		}
		details["error"] = opErr.Error()
	}

	_ = s.Log(AuditLog{
		Action:       action,
		ResourceType: resourceType,
		ResourceID:   resourceID,
		Status:       status,
		Details:      details,
	})
}

// LogCommand records one external command execution.
func (s *AuditService) LogCommand(action, resourceID string, result *models.CommandResult, cmdErr error) {
	if s == nil {
		return
	}
	entry := AuditLog{
		Action:       action,
		ResourceType: "command",
		ResourceID:   resourceID,
		Status:       AuditSuccess,
	}
	details := map[string]interface{}{}
	if result != nil {
		entry.OperationID = result.OperationID
		details["command"] = result.Command
		details["exit_code"] = result.ExitCode
		details["status"] = result.Status
	}
	if cmdErr != nil {
		entry.Status = AuditFailure
		details["error"] = cmdErr.Error()
	}
	entry.Details = details

	_ = s.Log(entry)
}

// AuditLogEntry represents an audit log record from the database.
type AuditLogEntry struct {
	OperationID  string `json:"operation_id"`
	Action       string `json:"action"`
	ResourceType string `json:"resource_type"`
	ResourceID   string `json:"resource_id"`
	Status       string `json:"status"`
	Details      string `json:"details"`
	CreatedAt    string `json:"created_at"`
	ID           int64  `json:"id"`
}

// GetLogs retrieves audit logs with pagination, newest first.
func (s *AuditService) GetLogs(limit, offset int) ([]AuditLogEntry, error) {
	if limit == 0 {
		limit = 50
	}

	rows, err := s.db.Query(`
		SELECT id, operation_id, action, resource_type, resource_id, status, details, created_at
		FROM audit_logs
		ORDER BY id DESC
		LIMIT ? OFFSET ?
	`, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	// Initialize empty slice instead of nil to return [] instead of null in JSON
	logs := make([]AuditLogEntry, 0)
	for rows.Next() {
		var entry AuditLogEntry
		var operationID, resourceID, details *string

		if err := rows.Scan(
			&entry.ID,
			&operationID,
			&entry.Action,
			&entry.ResourceType,
			&resourceID,
			&entry.Status,
			&details,
			&entry.CreatedAt,
		); err != nil {
			continue
		}

		if operationID != nil {
			entry.OperationID = *operationID
		}
		if resourceID != nil {
			entry.ResourceID = *resourceID
		}
		if details != nil {
			entry.Details = *details
		}

		logs = append(logs, entry)
	}

	return logs, rows.Err()
}
