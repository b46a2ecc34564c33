// Package curator keeps the GPU metric columns fresh by sampling
// nvidia-smi on an interval. It never touches reservation state.
package curator

import (
	"context"
	"encoding/csv"
	"fmt"
	"log"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/caseflowd/caseflow/internal/models"
	"github.com/caseflowd/caseflow/internal/store"
)

type Sampler func() ([]byte, error)

func nvidiaSmi() ([]byte, error) {
	cmd := exec.Command("nvidia-smi",
		"--query-gpu=index,gpu_uuid,utilization.gpu,memory.used,memory.total,temperature.gpu",
		"--format=csv,noheader,nounits")
	return cmd.Output()
}

type Curator struct {
	store    *store.Store
	interval time.Duration
	sample   Sampler
}

func New(s *store.Store, interval time.Duration) *Curator {
	return &Curator{store: s, interval: interval, sample: nvidiaSmi}
}

// Run samples once immediately, then on every tick until cancelled.
func (c *Curator) Run(ctx context.Context) error {
	c.refresh()
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			c.refresh()
		}
	}
}

func (c *Curator) refresh() {
	output, err := c.sample()
	if err != nil {
		log.Printf("Curator: sampling nvidia-smi failed: %v", err)
		return
	}
	gpus, err := ParseGPUs(output)
	if err != nil {
		log.Printf("Curator: %v", err)
		return
	}
	for _, g := range gpus {
		if err := c.store.UpsertGPUMetrics(g); err != nil {
			log.Printf("Curator: updating GPU %d: %v", g.Index, err)
		}
	}
}

// ParseGPUs decodes nvidia-smi CSV rows into metric snapshots.
func ParseGPUs(output []byte) ([]models.GPU, error) {
	r := csv.NewReader(strings.NewReader(string(output)))
	r.TrimLeadingSpace = true
	r.FieldsPerRecord = -1
	records, err := r.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("parsing nvidia-smi output: %w", err)
	}

	var gpus []models.GPU
	now := time.Now().UTC()

	for _, record := range records {
		if len(record) < 6 {
			continue
		}

		idx, err := strconv.Atoi(record[0])
		if err != nil {
			continue
		}
		util, _ := strconv.ParseFloat(record[2], 64)
		memUsed, _ := strconv.Atoi(record[3])
		memTotal, _ := strconv.Atoi(record[4])
		temp, _ := strconv.ParseFloat(record[5], 64)

		gpus = append(gpus, models.GPU{
			Index:       idx,
			ID:          record[1],
			Utilization: util,
			MemoryUsed:  memUsed,
			MemoryTotal: memTotal,
			Temperature: temp,
			UpdatedAt:   now,
		})
	}

	return gpus, nil
}
