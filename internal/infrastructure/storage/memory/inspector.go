package memory

import (
	"context"
	"slices"
)

// Inspector implements validation.Inspector. The in-memory schema is always complete,
// so only the data checks report findings.
type Inspector struct {
	s *Store
}

func (i *Inspector) TableExists(context.Context, string) (bool, error) { return true, nil }

func (i *Inspector) MissingColumns(context.Context, string, []string) ([]string, error) {
	return nil, nil
}

func (i *Inspector) IndexExists(context.Context, string, []string, bool) (bool, error) {
	return true, nil
}

func (i *Inspector) TriggerExists(context.Context, string, string) (bool, error) { return true, nil }

func (i *Inspector) MaterializedViewExists(context.Context, string) (bool, error) { return true, nil }

func (i *Inspector) CountItemsWithEmptyCode(context.Context) (int64, error) {
	i.s.mu.Lock()
	defer i.s.mu.Unlock()
	return int64(i.s.activeCodes()[""]), nil
}

func (i *Inspector) DuplicateItemCodes(_ context.Context, limit int) ([]string, error) {
	i.s.mu.Lock()
	defer i.s.mu.Unlock()

	var dups []string
	for code, n := range i.s.activeCodes() {
		if code != "" && n > 1 {
			dups = append(dups, code)
		}
	}
	slices.Sort(dups)
	if len(dups) > limit {
		dups = dups[:limit]
	}
	return dups, nil
}

func (i *Inspector) OrphanedRecordCodes(_ context.Context, limit int) ([]string, int64, error) {
	i.s.mu.Lock()
	defer i.s.mu.Unlock()

	active := i.s.activeCodes()
	var codes []string
	for code := range i.s.records {
		if _, ok := active[code]; !ok {
			codes = append(codes, code)
		}
	}
	slices.Sort(codes)
	total := int64(len(codes))
	if len(codes) > limit {
		codes = codes[:limit]
	}
	return codes, total, nil
}
