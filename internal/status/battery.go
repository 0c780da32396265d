package status

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/sua-org/multicam/internal/logging"
)

var log = logging.For("status")

const powerSupplyRoot = "/sys/class/power_supply"

// SysfsBattery reads the capacity attribute of a Linux power supply.
type SysfsBattery struct {
	path string
}

// NewSysfsBattery uses path when set, otherwise the first power supply under
// root of type Battery. It returns nil when none is found.
func NewSysfsBattery(path, root string) *SysfsBattery {
	if path != "" {
		return &SysfsBattery{path: path}
	}
	if root == "" {
		root = powerSupplyRoot
	}
	entries, err := os.ReadDir(root)
	if err != nil {
		return nil
	}
	for _, e := range entries {
		dir := filepath.Join(root, e.Name())
		kind, err := os.ReadFile(filepath.Join(dir, "type"))
		if err != nil || strings.TrimSpace(string(kind)) != "Battery" {
			continue
		}
		capacity := filepath.Join(dir, "capacity")
		if _, err := os.Stat(capacity); err == nil {
			log.Info().Str("path", capacity).Msg("battery found")
			return &SysfsBattery{path: capacity}
		}
	}
	return nil
}

func (b *SysfsBattery) Level() (float64, bool) {
	if b == nil {
		return 0, false
	}
	raw, err := os.ReadFile(b.path)
	if err != nil {
		log.Debug().Err(err).Str("path", b.path).Msg("battery read failed")
		return 0, false
	}
	v, err := strconv.ParseFloat(strings.TrimSpace(string(raw)), 64)
	if err != nil || v < 0 || v > 100 {
		return 0, false
	}
	return v, true
}
