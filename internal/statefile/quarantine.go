package statefile

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"
)

// Quarantine moves a corrupt document into <batonDir>/quarantine/ under a
// timestamped name so it can be inspected later instead of being lost.
func Quarantine(batonDir, filePath string) error {
	quarantineDir := filepath.Join(batonDir, "quarantine")
	if err := os.MkdirAll(quarantineDir, 0755); err != nil {
		return fmt.Errorf("create quarantine dir: %w", err)
	}

	quarantinePath := filepath.Join(quarantineDir, fmt.Sprintf("%s.%s.corrupt",
		filepath.Base(filePath), time.Now().Format("20060102T150405")))
	if err := os.Rename(filePath, quarantinePath); err != nil {
		return fmt.Errorf("move to quarantine: %w", err)
	}

	log.Printf("quarantined corrupted file: %s → %s", filePath, quarantinePath)
	return nil
}

// RestoreFromBackup copies the .bak sibling over filePath after checking
// that the backup itself still parses.
func RestoreFromBackup(filePath string) error {
	bakPath := filePath + ".bak"
	content, err := os.ReadFile(bakPath)
	if err != nil {
		return fmt.Errorf("read backup: %w", err)
	}
	if err := validateJSON(content); err != nil {
		return fmt.Errorf("backup JSON is also corrupted: %w", err)
	}
	if err := os.WriteFile(filePath, content, 0644); err != nil {
		return fmt.Errorf("restore from backup: %w", err)
	}

	log.Printf("restored from backup: %s → %s", bakPath, filePath)
	return nil
}

// GenerateSkeleton writes a minimal valid document of the given file type.
func GenerateSkeleton(filePath string, fileType string) error {
	content, err := json.MarshalIndent(skeletonForType(fileType), "", "  ")
	if err != nil {
		return fmt.Errorf("marshal skeleton: %w", err)
	}

	if err := os.WriteFile(filePath, append(content, '\n'), 0644); err != nil {
		return fmt.Errorf("write skeleton: %w", err)
	}

	log.Printf("generated skeleton: %s (type: %s)", filePath, fileType)
	return nil
}

// RecoverCorruptedFile quarantines the document, then restores it from the
// .bak sibling if that is still valid, or regenerates a skeleton.
func RecoverCorruptedFile(batonDir, filePath, fileType string) error {
	if err := Quarantine(batonDir, filePath); err != nil {
		return fmt.Errorf("quarantine failed: %w", err)
	}

	restoreErr := RestoreFromBackup(filePath)
	if restoreErr == nil {
		return nil
	}
	log.Printf("backup restore failed for %s: %v, generating skeleton", filePath, restoreErr)

	if err := GenerateSkeleton(filePath, fileType); err != nil {
		return fmt.Errorf("skeleton generation failed: %w", err)
	}
	return nil
}

func skeletonForType(fileType string) any {
	switch fileType {
	case "state_session":
		return map[string]any{
			"schema_version":   CurrentSchemaVersion,
			"file_type":        "state_session",
			"session_id":       "",
			"processing":       false,
			"status":           "failed",
			"current_stage_id": nil,
			"stages":           []any{},
			"events":           []any{},
			"completed_at":     nil,
			"duration_seconds": nil,
			"error":            "state file regenerated after corruption",
		}
	case "state_metrics":
		return map[string]any{
			"schema_version": CurrentSchemaVersion,
			"file_type":      "state_metrics",
			"sessions":       map[string]any{},
			"stages":         map[string]any{},
			"clarify":        map[string]any{},
		}
	default:
		return map[string]any{
			"schema_version": CurrentSchemaVersion,
			"file_type":      fileType,
		}
	}
}
