package logic

import (
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// saveJpeg writes data under dir/Machine{id}/{YYYY-MM-DD}/Machine{id}_{yyyymmdd}_{hhmmss}_{suffix}.jpg
func saveJpeg(dir, machineID string, ts time.Time, suffix string, data []byte) (string, error) {
	if len(data) == 0 {
		return "", fmt.Errorf("no frame available to capture")
	}
	folder := filepath.Join(dir, "Machine"+machineID, ts.Format("2006-01-02"))
	if err := os.MkdirAll(folder, 0o755); err != nil {
		return "", fmt.Errorf("mkdir %s: %w", folder, err)
	}
	filename := fmt.Sprintf("Machine%s_%s_%s_%s.jpg", machineID, ts.Format("20060102"), ts.Format("150405"), suffix)
	path := filepath.Join(folder, filename)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("write %s: %w", path, err)
	}
	return path, nil
}
