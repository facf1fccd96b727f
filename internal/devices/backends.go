package devices

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/pilebones/go-udev/crawler"
	"github.com/pilebones/go-udev/netlink"

	"ctbb/internal/logging"
)

var commandOutput = func(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).Output() //nolint:gosec
}

const sysfsCrawlTimeout = 10 * time.Second

// Static reports a fixed number of anonymous devices.
type Static struct {
	Count int
}

func (Static) Name() string { return "static" }

func (s Static) Enumerate(context.Context) ([]Info, error) {
	if s.Count < 0 {
		return nil, fmt.Errorf("negative device count %d", s.Count)
	}
	infos := make([]Info, s.Count)
	for i := range infos {
		infos[i] = Info{Name: "static"}
	}
	return infos, nil
}

// NvidiaSMI queries the NVIDIA driver utility, ordered by its GPU index.
type NvidiaSMI struct {
	Binary string
}

func (NvidiaSMI) Name() string { return "nvidia-smi" }

func (n NvidiaSMI) Enumerate(ctx context.Context) ([]Info, error) {
	binary := n.Binary
	if binary == "" {
		binary = "nvidia-smi"
	}
	out, err := commandOutput(ctx, binary, "--query-gpu=index,name,pci.bus_id", "--format=csv,noheader")
	if err != nil {
		return nil, fmt.Errorf("%s: %w", binary, err)
	}
	return parseNvidiaSMI(string(out))
}

func parseNvidiaSMI(out string) ([]Info, error) {
	type row struct {
		index int
		info  Info
	}
	var rows []row
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		fields := strings.Split(line, ",")
		if len(fields) < 3 {
			return nil, fmt.Errorf("unexpected nvidia-smi line %q", line)
		}
		index, err := strconv.Atoi(strings.TrimSpace(fields[0]))
		if err != nil {
			return nil, fmt.Errorf("unexpected nvidia-smi index in %q", line)
		}
		rows = append(rows, row{index: index, info: Info{
			Name:  strings.TrimSpace(strings.Join(fields[1:len(fields)-1], ",")),
			BusID: strings.TrimSpace(fields[len(fields)-1]),
		}})
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].index < rows[j].index })
	infos := make([]Info, len(rows))
	for i, r := range rows {
		infos[i] = r.info
	}
	return infos, nil
}

// Sysfs crawls /sys/devices for PCI functions bound to the NVIDIA driver,
// ordered by PCI slot.
type Sysfs struct{}

func (Sysfs) Name() string { return "sysfs" }

func (Sysfs) Enumerate(ctx context.Context) ([]Info, error) {
	ctx, cancel := context.WithTimeout(ctx, sysfsCrawlTimeout)
	defer cancel()

	queue := make(chan crawler.Device)
	errs := make(chan error, 1)
	quit := crawler.ExistingDevices(queue, errs, nvidiaMatcher())

	var infos []Info
	for {
		select {
		case <-ctx.Done():
			abandon(quit, queue)
			return nil, fmt.Errorf("crawl sysfs: %w", ctx.Err())
		case err := <-errs:
			abandon(quit, queue)
			return nil, fmt.Errorf("crawl sysfs: %w", err)
		case dev, ok := <-queue:
			if !ok {
				return sortBySlot(infos), nil
			}
			infos = append(infos, infoFromUEvent(dev.Env))
		}
	}
}

// abandon stops a crawl and drains whatever the walker is still sending.
func abandon(quit chan struct{}, queue chan crawler.Device) {
	select {
	case quit <- struct{}{}:
	default:
	}
	go func() {
		for range queue {
		}
	}()
}

func nvidiaMatcher() netlink.Matcher {
	rules := &netlink.RuleDefinitions{}
	rules.AddRule(netlink.RuleDefinition{
		Env: map[string]string{
			"SUBSYSTEM": "^pci$",
			"DRIVER":    "^nvidia$",
		},
	})
	return rules
}

func infoFromUEvent(env map[string]string) Info {
	name := strings.TrimSpace(env["PCI_ID"])
	if name == "" {
		name = "nvidia"
	}
	return Info{Name: name, BusID: strings.TrimSpace(env["PCI_SLOT_NAME"])}
}

func sortBySlot(infos []Info) []Info {
	sort.SliceStable(infos, func(i, j int) bool { return infos[i].BusID < infos[j].BusID })
	return infos
}

// Auto tries each backend in order and keeps the first non-empty result.
type Auto struct {
	Backends []Enumerator
	Logger   *slog.Logger
}

func (Auto) Name() string { return "auto" }

func (a Auto) Enumerate(ctx context.Context) ([]Info, error) {
	var errs []error
	for _, backend := range a.Backends {
		infos, err := backend.Enumerate(ctx)
		if err == nil && len(infos) > 0 {
			return infos, nil
		}
		if err == nil {
			err = fmt.Errorf("%s: %w", backend.Name(), ErrNoDevices)
		}
		if a.Logger != nil {
			a.Logger.Debug("device backend unavailable",
				logging.String("backend", backend.Name()),
				logging.Error(err),
			)
		}
		errs = append(errs, err)
	}
	return nil, errors.Join(errs...)
}
