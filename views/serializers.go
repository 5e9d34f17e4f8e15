package views

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/GrainArc/MapRectify/methods"
	"github.com/GrainArc/MapRectify/models"
	"github.com/gin-gonic/gin"
)

type dateJSON struct {
	Date     time.Time `json:"date"`
	Relative string    `json:"relative"`
}

type SessionJSON struct {
	ID          uint            `json:"id"`
	Type        string          `json:"type"`
	Stage       models.Stage    `json:"stage"`
	Status      string          `json:"status"`
	Data        json.RawMessage `json:"data"`
	Note        string          `json:"note"`
	User        string          `json:"user"`
	DateCreated dateJSON        `json:"date_created"`
	DocumentID  *uint           `json:"document_id,omitempty"`
	RegionID    *uint           `json:"region_id,omitempty"`
	LayerID     *uint           `json:"layer_id,omitempty"`
}

func serializeSession(s *models.Session, now time.Time) SessionJSON {
	data := json.RawMessage(s.Data)
	if len(data) == 0 {
		data = json.RawMessage("null")
	}
	return SessionJSON{
		ID:     s.ID,
		Type:   s.Type.Display(),
		Stage:  s.Stage,
		Status: s.Status,
		Data:   data,
		Note:   s.Note,
		User:   s.Username,
		DateCreated: dateJSON{
			Date:     s.CreatedAt,
			Relative: methods.TimeAgo(s.CreatedAt, now),
		},
		DocumentID: s.DocumentID,
		RegionID:   s.RegionID,
		LayerID:    s.LayerID,
	}
}

type lockJSON struct {
	SessionID  uint      `json:"session_id"`
	User       string    `json:"user"`
	Expiration time.Time `json:"expiration"`
}

type urlsJSON struct {
	Image        string `json:"image"`
	Thumbnail    string `json:"thumbnail"`
	Georeference string `json:"georeference,omitempty"`
	Split        string `json:"split,omitempty"`
}

// ResourceJSON describes a document, region or layer.
type ResourceJSON struct {
	ID     uint      `json:"id"`
	Type   string    `json:"type"`
	Title  string    `json:"title"`
	Slug   string    `json:"slug"`
	URLs   urlsJSON  `json:"urls"`
	Extent []float64 `json:"extent"`
	Lock   *lockJSON `json:"lock"`
	Status string    `json:"status,omitempty"`
}

func (uc *UserController) lockOf(ctx context.Context, t models.Target) *lockJSON {
	lock, err := uc.Sessions.Locks().LockFor(ctx, t)
	if err != nil || lock == nil {
		return nil
	}
	return &lockJSON{SessionID: lock.SessionID, User: lock.Username, Expiration: lock.ExpirationTime}
}

func (uc *UserController) serializeDocument(ctx context.Context, d *models.Document) ResourceJSON {
	status := "unprepared"
	if d.Prepared {
		status = "prepared"
	}
	return ResourceJSON{
		ID:    d.ID,
		Type:  "document",
		Title: d.Title,
		Slug:  d.Slug,
		URLs: urlsJSON{
			Image:     uc.Storage.URL(d.File),
			Thumbnail: uc.Storage.URL(d.Thumbnail),
			Split:     fmt.Sprintf("/split/%d", d.ID),
		},
		Lock:   uc.lockOf(ctx, models.DocumentTarget(d.ID)),
		Status: status,
	}
}

func (uc *UserController) serializeRegion(ctx context.Context, r *models.Region) ResourceJSON {
	status := "prepared"
	if r.Georeferenced {
		status = "georeferenced"
	}
	return ResourceJSON{
		ID:    r.ID,
		Type:  "region",
		Title: r.Title,
		Slug:  r.Slug,
		URLs: urlsJSON{
			Image:        uc.Storage.URL(r.File),
			Thumbnail:    uc.Storage.URL(r.Thumbnail),
			Georeference: fmt.Sprintf("/georeference/%d", r.ID),
		},
		Lock:   uc.lockOf(ctx, models.RegionTarget(r.ID)),
		Status: status,
	}
}

func (uc *UserController) serializeLayer(ctx context.Context, l *models.Layer) ResourceJSON {
	out := ResourceJSON{
		ID:    l.ID,
		Type:  "layer",
		Title: l.Title,
		Slug:  l.Slug,
		URLs: urlsJSON{
			Image:        uc.Storage.URL(l.File),
			Georeference: fmt.Sprintf("/georeference/%d", l.RegionID),
		},
		Lock: uc.lockOf(ctx, models.LayerTarget(l.ID)),
	}
	if b, ok := l.Bound(); ok {
		out.Extent = []float64{b.Min[0], b.Min[1], b.Max[0], b.Max[1]}
	}
	return out
}

type LayerSetJSON struct {
	ID            uint            `json:"id"`
	Name          string          `json:"name"`
	Category      string          `json:"category"`
	Layers        []ResourceJSON  `json:"layers"`
	Multimask     json.RawMessage `json:"multimask"`
	MosaicCOGURL  string          `json:"mosaic_cog_url"`
	MosaicJSONURL string          `json:"mosaic_json_url"`
	Extent        []float64       `json:"extent"`
}

func (uc *UserController) serializeLayerSet(ctx context.Context, set *models.LayerSet) (LayerSetJSON, error) {
	out := LayerSetJSON{
		ID:            set.ID,
		Name:          set.Category.String(),
		Category:      set.Category.Slug,
		Layers:        make([]ResourceJSON, 0, len(set.Layers)),
		MosaicCOGURL:  uc.Storage.URL(set.MosaicGeoTIFF),
		MosaicJSONURL: uc.Storage.URL(set.MosaicJSON),
	}
	for i := range set.Layers {
		out.Layers = append(out.Layers, uc.serializeLayer(ctx, &set.Layers[i]))
	}
	fc, err := set.MultimaskGeoJSON()
	if err != nil {
		return out, err
	}
	if out.Multimask, err = json.Marshal(fc); err != nil {
		return out, err
	}
	if b, ok := set.Bound(); ok {
		out.Extent = []float64{b.Min[0], b.Min[1], b.Max[0], b.Max[1]}
	}
	return out, nil
}

func sessionResponse(s *models.Session, extra gin.H) gin.H {
	body := gin.H{"success": true, "session": serializeSession(s, time.Now())}
	for k, v := range extra {
		body[k] = v
	}
	return body
}
