package repository

import (
	"context"
	"encoding/json"
	"log/slog"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/totegamma/relaykit"
	"github.com/totegamma/relaykit/internal/domain"
	"github.com/totegamma/relaykit/internal/infra/database/models"
)

type EventRepository struct {
	db *gorm.DB
}

func NewEventRepository(db *gorm.DB) *EventRepository {
	return &EventRepository{db: db}
}

// Upsert stores an event idempotently by id and advances the
// authoritative pointer for its identity key when the event is newer
// than the currently pointed-to version.
func (r *EventRepository) Upsert(ctx context.Context, ev relaykit.Event) error {

	tags, err := json.Marshal(ev.Tags)
	if err != nil {
		return err
	}

	row := models.Event{
		ID:         ev.ID,
		PubKey:     ev.PubKey,
		Kind:       ev.Kind,
		Identifier: ev.Identifier(),
		CreatedAt:  ev.CreatedAt,
		Tags:       string(tags),
		Content:    ev.Content,
		Sig:        ev.Sig,
	}

	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {

		if err := tx.Clauses(clause.OnConflict{
			DoNothing: true,
		}).Create(&row).Error; err != nil {
			return err
		}

		if !relaykit.IsReplaceable(ev.Kind) && !relaykit.IsParamReplaceable(ev.Kind) {
			return nil
		}

		uri := relaykit.ComposeEntityURI(relaykit.IdentityKeyOf(ev))

		var old models.EventKey
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("uri = ?", uri).
			Take(&old).Error
		if err != nil && err != gorm.ErrRecordNotFound {
			return err
		}

		if err == nil {
			if old.LogicalTime > ev.CreatedAt ||
				(old.LogicalTime == ev.CreatedAt && old.EventID >= ev.ID) {
				return nil
			}
		}

		key := models.EventKey{
			URI:         uri,
			EventID:     ev.ID,
			LogicalTime: ev.CreatedAt,
		}
		err = tx.Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "uri"}},
			DoUpdates: clause.Assignments(map[string]any{
				"event_id":     ev.ID,
				"logical_time": ev.CreatedAt,
			}),
		}).Create(&key).Error
		if err != nil {
			return err
		}

		// flag the replaced version for GC instead of deleting inline
		if old.EventID != "" && old.EventID != ev.ID {
			if err := tx.Model(&models.Event{}).
				Where("id = ?", old.EventID).
				Update("gc_candidate", true).Error; err != nil {
				return err
			}
		}

		return nil
	})
}

// GetByKey returns every locally known version of the entity. Rows that
// fail to decode are dropped with a warning, never aborting the batch.
func (r *EventRepository) GetByKey(ctx context.Context, key relaykit.IdentityKey) ([]relaykit.Event, error) {
	var rows []models.Event
	err := r.db.WithContext(ctx).
		Where("pub_key = ? AND kind = ? AND identifier = ?", key.PubKey, key.Kind, key.Identifier).
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	return decodeRows(rows), nil
}

func (r *EventRepository) GetByAuthor(ctx context.Context, pubkey string, kind int) ([]relaykit.Event, error) {
	var rows []models.Event
	err := r.db.WithContext(ctx).
		Where("pub_key = ? AND kind = ?", pubkey, kind).
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	return decodeRows(rows), nil
}

func (r *EventRepository) GetByID(ctx context.Context, id string) (*relaykit.Event, error) {
	var row models.Event
	err := r.db.WithContext(ctx).
		Where("id = ?", id).
		Take(&row).Error
	if err == gorm.ErrRecordNotFound {
		return nil, domain.NotFoundError{Resource: "event"}
	}
	if err != nil {
		return nil, err
	}

	ev, err := decodeRow(row)
	if err != nil {
		return nil, err
	}
	return &ev, nil
}

func (r *EventRepository) Delete(ctx context.Context, id string) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Delete(&models.EventKey{}, "event_id = ?", id).Error; err != nil {
			return err
		}
		return tx.Delete(&models.Event{}, "id = ?", id).Error
	})
}

func decodeRows(rows []models.Event) []relaykit.Event {
	events := make([]relaykit.Event, 0, len(rows))
	for _, row := range rows {
		ev, err := decodeRow(row)
		if err != nil {
			slog.Warn(
				"dropping undecodable event row",
				slog.String("id", row.ID),
				slog.String("error", err.Error()),
				slog.String("module", "repository"),
			)
			continue
		}
		events = append(events, ev)
	}
	return events
}

func decodeRow(row models.Event) (relaykit.Event, error) {
	var tags []relaykit.Tag
	if row.Tags != "" {
		if err := json.Unmarshal([]byte(row.Tags), &tags); err != nil {
			return relaykit.Event{}, err
		}
	}
	return relaykit.Event{
		ID:        row.ID,
		PubKey:    row.PubKey,
		Kind:      row.Kind,
		CreatedAt: row.CreatedAt,
		Tags:      tags,
		Content:   row.Content,
		Sig:       row.Sig,
	}, nil
}
