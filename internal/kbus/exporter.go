package kbus

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/kbusgw/kbusmodbusgw/internal/terminal"
)

// DefaultExportDir is where PublishTopology writes its state files,
// consumed by an out-of-core exporter process.
const DefaultExportDir = "/tmp/KBUS"

// PublishTopology writes termCount and termInfo under dir, replacing
// any previous contents. Failures are logged by the caller but never
// fatal — the exported files are a diagnostic convenience, not part
// of the control path.
func PublishTopology(dir string, table *terminal.Table) error {
	if dir == "" {
		dir = DefaultExportDir
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("kbus: export dir: %w", err)
	}

	count := table.Count()
	if err := os.WriteFile(filepath.Join(dir, "termCount"), []byte(strconv.Itoa(count)+"\n"), 0o644); err != nil {
		return fmt.Errorf("kbus: write termCount: %w", err)
	}

	var buf []byte
	for i := 0; i < count; i++ {
		d, _ := table.At(i)
		line := fmt.Sprintf("Pos=%d Type=%s BitOffsetIn=%d BitOffsetOut=%d BitSizeIn=%d BitSizeOut=%d Channels=%d PiFormat=%s\n",
			d.Position, terminal.ClassifyCatalogString(d), d.BitOffsetIn, d.BitOffsetOut, d.BitSizeIn, d.BitSizeOut, d.Channels, d.PIFormat)
		buf = append(buf, line...)
	}
	if err := os.WriteFile(filepath.Join(dir, "termInfo"), buf, 0o644); err != nil {
		return fmt.Errorf("kbus: write termInfo: %w", err)
	}
	return nil
}
