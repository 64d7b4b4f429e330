package main

import (
	"fmt"
	"io"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/alexjbarnes/confsync/configsync"
	"github.com/alexjbarnes/confsync/internal/config"
	"github.com/alexjbarnes/confsync/internal/logging"
	"github.com/alexjbarnes/confsync/internal/state"
)

// inspectReport is the YAML document printed by the inspect command.
type inspectReport struct {
	Account string          `yaml:"account"`
	Configs []configSummary `yaml:"configs"`
	Groups  []groupSummary  `yaml:"groups,omitempty"`
	Jobs    []jobSummary    `yaml:"jobs,omitempty"`
}

type configSummary struct {
	Variant   string            `yaml:"variant"`
	Seqno     int64             `yaml:"seqno"`
	NeedsPush bool              `yaml:"needs_push"`
	Hashes    []string          `yaml:"hashes,omitempty"`
	Fields    map[string]string `yaml:"fields,omitempty"`
}

type groupSummary struct {
	ID          string            `yaml:"id"`
	Admin       bool              `yaml:"admin"`
	Generations []uint64          `yaml:"key_generations"`
	Deferred    int               `yaml:"deferred,omitempty"`
	Info        map[string]string `yaml:"info,omitempty"`
	Members     map[string]string `yaml:"members,omitempty"`
}

// inspectable is the read-only surface of a restored user wrapper.
type inspectable interface {
	Seqno() int64
	CurrentHashes() []string
	Describe() string
}

type jobSummary struct {
	Owner     string `yaml:"owner"`
	Attempt   int    `yaml:"attempt"`
	NextRunAt int64  `yaml:"next_run_at"`
}

// inspect prints every persisted wrapper of the configured account as
// YAML. It opens state read-write, so the daemon must not be running.
func inspect(out io.Writer) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	appState, err := state.LoadAt(cfg.StatePath())
	if err != nil {
		return fmt.Errorf("loading state: %w", err)
	}
	defer appState.Close()

	id, err := loadIdentity(cfg, appState, logging.Discard())
	if err != nil {
		return err
	}

	dumps, err := configsync.NewDumpStore(appState, id, logging.Discard())
	if err != nil {
		return err
	}

	recs, err := dumps.LoadAll()
	if err != nil {
		return err
	}

	jobs, err := appState.AllJobs()
	if err != nil {
		return err
	}

	report, err := buildReport(id, recs, jobs)
	if err != nil {
		return err
	}

	enc := yaml.NewEncoder(out)
	enc.SetIndent(2)

	if err := enc.Encode(report); err != nil {
		return fmt.Errorf("encoding report: %w", err)
	}

	return enc.Close()
}

func buildReport(id *configsync.Identity, recs []configsync.DumpRecord, jobs []state.JobRecord) (inspectReport, error) {
	reg := configsync.NewRegistry(id)
	report := inspectReport{Account: string(id.PubKey())}

	for _, rec := range recs {
		if gid, ok := configsync.ParseMetaGroupDumpName(rec.Name); ok {
			m, err := reg.InitMetaGroup(gid, nil, rec.Data)
			if err != nil {
				return inspectReport{}, err
			}

			report.Groups = append(report.Groups, groupSummary{
				ID:          string(gid),
				Admin:       m.IsAdmin(),
				Generations: m.Keys.Generations(),
				Deferred:    m.Deferred(),
				Info:        describeFields(m.Info.Describe()),
				Members:     describeFields(m.Members.Describe()),
			})

			continue
		}

		v, ok := configsync.VariantForDumpName(rec.Name)
		if !ok || rec.Owner != id.PubKey() {
			continue
		}

		w, err := reg.InitUser(v, rec.Data)
		if err != nil {
			return inspectReport{}, err
		}

		s := configSummary{Variant: v.String(), NeedsPush: w.NeedsPush()}

		if i, ok := w.(inspectable); ok {
			s.Seqno = i.Seqno()
			s.Hashes = i.CurrentHashes()
			s.Fields = describeFields(i.Describe())
		}

		report.Configs = append(report.Configs, s)
	}

	for _, j := range jobs {
		report.Jobs = append(report.Jobs, jobSummary{
			Owner:     configsync.PubKey(j.Identity).Short(),
			Attempt:   j.Attempt,
			NextRunAt: j.NextRunAt,
		})
	}

	return report, nil
}

// describeFields turns "key.field = value" lines into a map.
func describeFields(s string) map[string]string {
	out := make(map[string]string)

	for line := range strings.Lines(s) {
		k, v, ok := strings.Cut(strings.TrimSuffix(line, "\n"), " = ")
		if ok {
			out[k] = v
		}
	}

	return out
}
