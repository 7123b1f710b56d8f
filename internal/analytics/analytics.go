package analytics

import (
	"context"
	"sort"
	"time"

	"warden/internal/storage"
)

const topOffenders = 5

type Service struct {
	store *storage.Store
}

func New(store *storage.Store) *Service {
	return &Service{store: store}
}

type Offender struct {
	UserID string
	Count  int
}

type Report struct {
	Since        time.Time
	Total        int
	ByLevel      map[string]int
	ByEvent      map[string]int
	TopOffenders []Offender
}

// offenseEvents are the audit events that count against a member.
var offenseEvents = map[string]struct{}{
	"invite_link":    {},
	"severe_word":    {},
	"blacklist_word": {},
	"link_removed":   {},
	"media_only":     {},
	"auto_mute":      {},
}

func (s *Service) Report(ctx context.Context, guildID string, since time.Time) (Report, error) {
	logs, err := s.store.ListAuditLogs(ctx, guildID, since)
	if err != nil {
		return Report{}, err
	}

	report := Report{Since: since, ByLevel: make(map[string]int), ByEvent: make(map[string]int)}
	offenders := make(map[string]int)
	for _, log := range logs {
		report.Total++
		report.ByLevel[log.Level]++
		report.ByEvent[log.Event]++
		if _, ok := offenseEvents[log.Event]; ok && log.UserID != "" {
			offenders[log.UserID]++
		}
	}

	for userID, count := range offenders {
		report.TopOffenders = append(report.TopOffenders, Offender{UserID: userID, Count: count})
	}
	sort.Slice(report.TopOffenders, func(i, j int) bool {
		if report.TopOffenders[i].Count == report.TopOffenders[j].Count {
			return report.TopOffenders[i].UserID < report.TopOffenders[j].UserID
		}
		return report.TopOffenders[i].Count > report.TopOffenders[j].Count
	})
	if len(report.TopOffenders) > topOffenders {
		report.TopOffenders = report.TopOffenders[:topOffenders]
	}
	return report, nil
}
