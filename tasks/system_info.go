package tasks

import (
	"fmt"
	"os"
	"runtime"
	"strings"

	"github.com/bwmarrin/discordgo"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/mem"
)

// SystemInfo is a snapshot of the host the bot runs on.
type SystemInfo struct {
	Platform      string
	KernelVersion string
	GoVersion     string
	CPUCount      int
	CPUPercent    float64
	MemPercent    float64
	MemUsedMB     uint64
	MemTotalMB    uint64
	DatabaseMB    float64
	Goroutines    int
}

// CollectSystemInfo gathers host metrics. Probes that fail leave their fields empty.
func CollectSystemInfo(dbPath string) SystemInfo {
	info := SystemInfo{
		GoVersion:  runtime.Version(),
		Goroutines: runtime.NumGoroutine(),
	}

	if n, err := cpu.Counts(true); err == nil {
		info.CPUCount = n
	}
	if pct, err := cpu.Percent(0, false); err == nil && len(pct) > 0 {
		info.CPUPercent = pct[0]
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		info.MemPercent = vm.UsedPercent
		info.MemUsedMB = vm.Used / 1024 / 1024
		info.MemTotalMB = vm.Total / 1024 / 1024
	}
	if h, err := host.Info(); err == nil {
		info.Platform = strings.TrimSpace(h.Platform + " " + h.PlatformVersion)
		info.KernelVersion = h.KernelVersion
	}

	// WAL mode keeps recent writes in the -wal file
	var size int64
	for _, p := range []string{dbPath, dbPath + "-wal"} {
		if st, err := os.Stat(p); err == nil {
			size += st.Size()
		}
	}
	info.DatabaseMB = float64(size) / 1024 / 1024
	return info
}

func (i SystemInfo) pairs() [][2]string {
	return [][2]string{
		{"OS", i.Platform},
		{"Kernel", i.KernelVersion},
		{"Go", i.GoVersion},
		{"CPUs", fmt.Sprintf("%d", i.CPUCount)},
		{"CPU usage", fmt.Sprintf("%.1f%%", i.CPUPercent)},
		{"Memory", fmt.Sprintf("%.1f%% (%d MB / %d MB)", i.MemPercent, i.MemUsedMB, i.MemTotalMB)},
		{"Database", fmt.Sprintf("%.2f MB", i.DatabaseMB)},
		{"Goroutines", fmt.Sprintf("%d", i.Goroutines)},
	}
}

func (i SystemInfo) Text() string {
	var builder strings.Builder
	for _, p := range i.pairs() {
		builder.WriteString(fmt.Sprintf("%-11s %s\n", p[0]+":", p[1]))
	}
	return builder.String()
}

// Fields renders the snapshot as inline embed fields.
func (i SystemInfo) Fields() []*discordgo.MessageEmbedField {
	fields := make([]*discordgo.MessageEmbedField, 0, 8)
	for _, p := range i.pairs() {
		fields = append(fields, &discordgo.MessageEmbedField{Name: p[0], Value: p[1], Inline: true})
	}
	return fields
}
