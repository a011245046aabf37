package sink

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/ashita-ai/kiroku/internal/model"
	"github.com/ashita-ai/kiroku/internal/query"
)

// scanInfo reads one summary row in the canonical column order:
// trace_id, start_time_ns, duration_ns, status, request_preview,
// response_preview, tags, events.
func scanInfo(scan func(dest ...any) error) (model.TraceInfo, error) {
	var (
		idStr       string
		startNS     int64
		durNS       int64
		status      string
		reqPreview  string
		respPreview string
		tagsRaw     []byte
		eventsRaw   []byte
	)
	if err := scan(&idStr, &startNS, &durNS, &status, &reqPreview, &respPreview, &tagsRaw, &eventsRaw); err != nil {
		return model.TraceInfo{}, err
	}

	id, err := uuid.Parse(idStr)
	if err != nil {
		return model.TraceInfo{}, fmt.Errorf("bad trace id %q: %w", idStr, err)
	}
	tags := map[string]string{}
	if len(tagsRaw) > 0 {
		if err := json.Unmarshal(tagsRaw, &tags); err != nil {
			return model.TraceInfo{}, fmt.Errorf("decode tags for %s: %w", id, err)
		}
	}
	var events []model.Event
	if len(eventsRaw) > 0 {
		if err := json.Unmarshal(eventsRaw, &events); err != nil {
			return model.TraceInfo{}, fmt.Errorf("decode events for %s: %w", id, err)
		}
	}

	return model.TraceInfo{
		TraceID:         id,
		StartTime:       time.Unix(0, startNS).UTC(),
		Duration:        time.Duration(durNS),
		Status:          model.TraceStatus(status),
		RequestPreview:  reqPreview,
		ResponsePreview: respPreview,
		Tags:            tags,
		Events:          events,
	}, nil
}

// pageResults trims a limit+1 result set to the page size and builds the
// next-page token from the last returned row.
func pageResults(infos []model.TraceInfo, limit int) ([]model.TraceInfo, string, error) {
	if len(infos) <= limit {
		return infos, "", nil
	}
	infos = infos[:limit]
	last := infos[len(infos)-1]
	token := query.Cursor{
		StartUnixNano: last.StartTime.UnixNano(),
		TraceID:       last.TraceID.String(),
	}.Encode()
	return infos, token, nil
}
