package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"gametable/internal/logging"
	"gametable/internal/session"
)

// Backend is the durable session backend. Every call runs under a bounded
// timeout; deadline and connectivity failures come back as
// session.ErrBackendUnavailable so the store can decide what to do.
type Backend struct {
	db      *gorm.DB
	timeout time.Duration
}

var _ session.Backend = (*Backend)(nil)

// NewBackend wraps a gorm DB as a session backend.
func NewBackend(db *gorm.DB, timeout time.Duration) *Backend {
	if db == nil {
		return nil
	}
	return &Backend{db: db, timeout: timeout}
}

func (b *Backend) opCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	if b.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, b.timeout)
}

// classify passes the store's own error kinds through and folds everything
// else, timeouts included, into ErrBackendUnavailable.
func classify(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, session.ErrSessionNotFound),
		errors.Is(err, session.ErrInvalidArgument),
		errors.Is(err, session.ErrCodeTaken):
		return err
	default:
		return fmt.Errorf("%w: %v", session.ErrBackendUnavailable, err)
	}
}

func isUniqueViolation(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func sessionByCode(tx *gorm.DB, code string, forUpdate bool) (*Session, error) {
	q := tx
	if forUpdate {
		q = q.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	var row Session
	if err := q.First(&row, "code = ?", code).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, session.ErrSessionNotFound
		}
		return nil, err
	}
	return &row, nil
}

func playerByExternalID(tx *gorm.DB, sessionID uuid.UUID, externalID string, forUpdate bool) (*Player, error) {
	q := tx
	if forUpdate {
		q = q.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	var row Player
	err := q.First(&row, "session_id = ? AND external_id = ?", sessionID, externalID).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, session.NotJoined(externalID)
		}
		return nil, err
	}
	return &row, nil
}

func parseID(id string) (uuid.UUID, error) {
	parsed, err := uuid.Parse(id)
	if err != nil {
		return uuid.Nil, fmt.Errorf("%w: malformed id %q", session.ErrInvalidArgument, id)
	}
	return parsed, nil
}

func optional(id *uuid.UUID) string {
	if id == nil {
		return ""
	}
	return id.String()
}

func (r *Session) entity() *session.Session {
	return &session.Session{
		Code:             r.Code,
		AuthorityID:      r.AuthorityID,
		Started:          r.Started,
		ActiveLocationID: optional(r.ActiveLocationID),
		CreatedAt:        r.CreatedAt,
		ExpiresAt:        r.ExpiresAt,
	}
}

func (r *Player) entity() *session.Player {
	return &session.Player{
		ID:         r.ID.String(),
		ExternalID: r.ExternalID,
		Name:       r.Name,
		Avatar:     r.Avatar,
		HP:         r.HP,
		Gold:       r.Gold,
		Authority:  r.Authority,
		Bio:        r.Bio,
		LocationID: optional(r.LocationID),
		CreatedAt:  r.CreatedAt,
	}
}

func (r *Item) entity() *session.Item {
	return &session.Item{
		ID:         r.ID.String(),
		Name:       r.Name,
		Qty:        r.Qty,
		Note:       r.Note,
		Kind:       r.Kind,
		OwnerID:    optional(r.OwnerID),
		LocationID: optional(r.LocationID),
		CreatedAt:  r.CreatedAt,
	}
}

func (r *Location) entity() *session.Location {
	return &session.Location{
		ID:          r.ID.String(),
		Name:        r.Name,
		Description: r.Description,
		Image:       r.Image,
		CreatedAt:   r.CreatedAt,
	}
}

func (r *Message) entity() *session.Message {
	return &session.Message{
		ID:       r.ID.String(),
		PlayerID: optional(r.PlayerID),
		Text:     r.Text,
		At:       r.CreatedAt,
	}
}

func (r *Roll) entity() *session.Roll {
	return &session.Roll{
		ID:       r.ID.String(),
		PlayerID: optional(r.PlayerID),
		Die:      r.Die,
		Result:   r.Result,
		At:       r.CreatedAt,
	}
}

func (b *Backend) CreateSession(ctx context.Context, s *session.Session) error {
	ctx, cancel := b.opCtx(ctx)
	defer cancel()

	row := Session{
		ID:          uuid.New(),
		Code:        s.Code,
		AuthorityID: s.AuthorityID,
		Started:     s.Started,
		CreatedAt:   s.CreatedAt,
		ExpiresAt:   s.ExpiresAt,
	}
	err := b.db.WithContext(ctx).Create(&row).Error
	if isUniqueViolation(err) {
		return session.ErrCodeTaken
	}
	return classify(err)
}

func (b *Backend) GetSession(ctx context.Context, code string) (*session.Session, error) {
	ctx, cancel := b.opCtx(ctx)
	defer cancel()

	row, err := sessionByCode(b.db.WithContext(ctx), code, false)
	if err != nil {
		return nil, classify(err)
	}
	return row.entity(), nil
}

func (b *Backend) Load(ctx context.Context, code string) (*session.State, error) {
	ctx, cancel := b.opCtx(ctx)
	defer cancel()

	var st *session.State
	err := b.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		row, err := sessionByCode(tx, code, false)
		if err != nil {
			return err
		}
		st = &session.State{Session: *row.entity()}

		var players []Player
		if err := tx.Where("session_id = ?", row.ID).Order("created_at ASC").Find(&players).Error; err != nil {
			return err
		}
		for i := range players {
			st.Players = append(st.Players, *players[i].entity())
		}

		var items []Item
		if err := tx.Where("session_id = ?", row.ID).Order("created_at ASC, id ASC").Find(&items).Error; err != nil {
			return err
		}
		for i := range items {
			st.Items = append(st.Items, *items[i].entity())
		}

		var locations []Location
		if err := tx.Where("session_id = ?", row.ID).Order("created_at ASC").Find(&locations).Error; err != nil {
			return err
		}
		for i := range locations {
			st.Locations = append(st.Locations, *locations[i].entity())
		}

		var messages []Message
		if err := tx.Where("session_id = ?", row.ID).Order("created_at DESC, id DESC").
			Limit(session.HistoryLimit).Find(&messages).Error; err != nil {
			return err
		}
		for i := range messages {
			st.Messages = append(st.Messages, *messages[i].entity())
		}

		var rolls []Roll
		if err := tx.Where("session_id = ?", row.ID).Order("created_at DESC, id DESC").
			Limit(session.HistoryLimit).Find(&rolls).Error; err != nil {
			return err
		}
		for i := range rolls {
			st.Rolls = append(st.Rolls, *rolls[i].entity())
		}
		return nil
	})
	if err != nil {
		return nil, classify(err)
	}
	return st, nil
}

func (b *Backend) GetPlayer(ctx context.Context, code, externalID string) (*session.Player, error) {
	ctx, cancel := b.opCtx(ctx)
	defer cancel()

	db := b.db.WithContext(ctx)
	row, err := sessionByCode(db, code, false)
	if err != nil {
		return nil, classify(err)
	}
	p, err := playerByExternalID(db, row.ID, externalID, false)
	if err != nil {
		return nil, classify(err)
	}
	return p.entity(), nil
}

func (b *Backend) UpsertPlayer(ctx context.Context, code string, join session.Join, expires time.Time) (*session.Player, error) {
	ctx, cancel := b.opCtx(ctx)
	defer cancel()

	var out *session.Player
	err := b.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		// Lock the session row so two first joiners cannot both claim
		// authority.
		row, err := sessionByCode(tx, code, true)
		if err != nil {
			return err
		}

		name := join.Name
		if name == "" {
			name = "Player"
		}
		p := Player{
			ID:         uuid.New(),
			SessionID:  row.ID,
			ExternalID: join.ExternalID,
			Name:       name,
			Avatar:     join.Avatar,
			HP:         session.DefaultHP,
			Gold:       session.DefaultGold,
		}
		// Blank fields on re-join keep the stored profile.
		assign := make(map[string]any)
		if join.Name != "" {
			assign["name"] = join.Name
		}
		if join.Avatar != "" {
			assign["avatar"] = join.Avatar
		}
		q := tx.Where("session_id = ? AND external_id = ?", row.ID, join.ExternalID)
		if len(assign) > 0 {
			q = q.Assign(assign)
		}
		if err := q.FirstOrCreate(&p).Error; err != nil {
			return err
		}

		authorityID := row.AuthorityID
		if authorityID == "" && join.AsAuthority {
			authorityID = join.ExternalID
			if err := tx.Model(&Session{}).Where("id = ?", row.ID).
				Update("authority_id", authorityID).Error; err != nil {
				return err
			}
		}
		isAuthority := authorityID != "" && authorityID == join.ExternalID
		if p.Authority != isAuthority {
			if err := tx.Model(&Player{}).Where("id = ?", p.ID).
				Update("authority", isAuthority).Error; err != nil {
				return err
			}
			p.Authority = isAuthority
		}

		if err := tx.Model(&Session{}).Where("id = ?", row.ID).
			Update("expires_at", expires).Error; err != nil {
			return err
		}
		out = p.entity()
		return nil
	})
	if err != nil {
		return nil, classify(err)
	}
	return out, nil
}

func (b *Backend) UpdateProfile(ctx context.Context, code, externalID string, name, bio *string) (*session.Player, error) {
	ctx, cancel := b.opCtx(ctx)
	defer cancel()

	var out *session.Player
	err := b.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		row, err := sessionByCode(tx, code, false)
		if err != nil {
			return err
		}
		p, err := playerByExternalID(tx, row.ID, externalID, true)
		if err != nil {
			return err
		}
		updates := make(map[string]any)
		if name != nil {
			updates["name"] = *name
			p.Name = *name
		}
		if bio != nil {
			updates["bio"] = *bio
			p.Bio = *bio
		}
		if len(updates) > 0 {
			if err := tx.Model(&Player{}).Where("id = ?", p.ID).Updates(updates).Error; err != nil {
				return err
			}
		}
		out = p.entity()
		return nil
	})
	if err != nil {
		return nil, classify(err)
	}
	return out, nil
}

func (b *Backend) AdjustStat(ctx context.Context, code, externalID string, stat session.Stat, delta int) (int, error) {
	ctx, cancel := b.opCtx(ctx)
	defer cancel()

	var value int
	err := b.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		row, err := sessionByCode(tx, code, false)
		if err != nil {
			return err
		}
		p, err := playerByExternalID(tx, row.ID, externalID, true)
		if err != nil {
			return err
		}
		switch stat {
		case session.StatHP:
			value = p.HP + delta
		case session.StatGold:
			value = p.Gold + delta
		default:
			return fmt.Errorf("%w: unknown stat %q", session.ErrInvalidArgument, stat)
		}
		if value < 0 {
			value = 0
		}
		return tx.Model(&Player{}).Where("id = ?", p.ID).Update(string(stat), value).Error
	})
	if err != nil {
		return 0, classify(err)
	}
	return value, nil
}

func (b *Backend) InsertItem(ctx context.Context, code string, item *session.Item, ownerExternalID string) (*session.Item, error) {
	ctx, cancel := b.opCtx(ctx)
	defer cancel()

	var out *session.Item
	err := b.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		row, err := sessionByCode(tx, code, false)
		if err != nil {
			return err
		}
		id, err := parseID(item.ID)
		if err != nil {
			return err
		}
		stored := Item{
			ID:        id,
			SessionID: row.ID,
			Name:      item.Name,
			Qty:       item.Qty,
			Note:      item.Note,
			Kind:      item.Kind,
			CreatedAt: item.CreatedAt,
		}
		if ownerExternalID != "" {
			owner, err := playerByExternalID(tx, row.ID, ownerExternalID, false)
			if err != nil {
				return err
			}
			stored.OwnerID = &owner.ID
		} else if item.LocationID != "" {
			locID, err := parseID(item.LocationID)
			if err != nil {
				return err
			}
			var loc Location
			if err := tx.First(&loc, "id = ? AND session_id = ?", locID, row.ID).Error; err != nil {
				if errors.Is(err, gorm.ErrRecordNotFound) {
					return fmt.Errorf("%w: unknown location %s", session.ErrInvalidArgument, item.LocationID)
				}
				return err
			}
			stored.LocationID = &loc.ID
		}
		if err := tx.Create(&stored).Error; err != nil {
			return err
		}
		out = stored.entity()
		return nil
	})
	if err != nil {
		return nil, classify(err)
	}
	return out, nil
}

func (b *Backend) TransferItem(ctx context.Context, code, itemID, toExternalID string) (*session.Item, error) {
	ctx, cancel := b.opCtx(ctx)
	defer cancel()

	var out *session.Item
	err := b.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		row, err := sessionByCode(tx, code, false)
		if err != nil {
			return err
		}
		id, err := parseID(itemID)
		if err != nil {
			return err
		}
		var it Item
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			First(&it, "id = ? AND session_id = ?", id, row.ID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return fmt.Errorf("%w: unknown item %s", session.ErrInvalidArgument, itemID)
			}
			return err
		}

		updates := map[string]any{"owner_id": nil, "location_id": nil}
		if toExternalID != "" {
			p, err := playerByExternalID(tx, row.ID, toExternalID, false)
			if err != nil {
				return err
			}
			updates["owner_id"] = p.ID
			it.OwnerID = &p.ID
			it.LocationID = nil
		} else {
			if row.ActiveLocationID == nil {
				return fmt.Errorf("%w: no active location to drop onto", session.ErrInvalidArgument)
			}
			updates["location_id"] = *row.ActiveLocationID
			it.LocationID = row.ActiveLocationID
			it.OwnerID = nil
		}
		if err := tx.Model(&Item{}).Where("id = ?", it.ID).Updates(updates).Error; err != nil {
			return err
		}
		out = it.entity()
		return nil
	})
	if err != nil {
		return nil, classify(err)
	}
	return out, nil
}

func (b *Backend) ClaimFloorItem(ctx context.Context, code, claimantExternalID string) (*session.Item, error) {
	ctx, cancel := b.opCtx(ctx)
	defer cancel()

	var out *session.Item
	err := b.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		row, err := sessionByCode(tx, code, false)
		if err != nil {
			return err
		}
		claimant, err := playerByExternalID(tx, row.ID, claimantExternalID, false)
		if err != nil {
			return err
		}
		if row.ActiveLocationID == nil {
			return nil
		}

		// Oldest floor item first; the row lock keeps two concurrent claims
		// from taking the same unit.
		var it Item
		err = tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("session_id = ? AND location_id = ?", row.ID, *row.ActiveLocationID).
			Order("created_at ASC, id ASC").
			First(&it).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil
		}
		if err != nil {
			return err
		}

		if it.Qty > 1 {
			if err := tx.Model(&Item{}).Where("id = ?", it.ID).
				Update("qty", gorm.Expr("qty - 1")).Error; err != nil {
				return err
			}
			claimed := Item{
				ID:        uuid.New(),
				SessionID: row.ID,
				OwnerID:   &claimant.ID,
				Name:      it.Name,
				Qty:       1,
				Note:      it.Note,
				Kind:      it.Kind,
				CreatedAt: time.Now(),
			}
			if err := tx.Create(&claimed).Error; err != nil {
				return err
			}
			out = claimed.entity()
			return nil
		}

		if err := tx.Model(&Item{}).Where("id = ?", it.ID).
			Updates(map[string]any{"owner_id": claimant.ID, "location_id": nil}).Error; err != nil {
			return err
		}
		it.OwnerID = &claimant.ID
		it.LocationID = nil
		out = it.entity()
		return nil
	})
	if err != nil {
		return nil, classify(err)
	}
	return out, nil
}

func (b *Backend) DeleteItem(ctx context.Context, code, itemID string) error {
	ctx, cancel := b.opCtx(ctx)
	defer cancel()

	db := b.db.WithContext(ctx)
	row, err := sessionByCode(db, code, false)
	if err != nil {
		return classify(err)
	}
	id, err := parseID(itemID)
	if err != nil {
		return err
	}
	res := db.Delete(&Item{}, "id = ? AND session_id = ?", id, row.ID)
	if res.Error != nil {
		return classify(res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%w: unknown item %s", session.ErrInvalidArgument, itemID)
	}
	return nil
}

func (b *Backend) InsertLocation(ctx context.Context, code string, loc *session.Location) (*session.Location, error) {
	ctx, cancel := b.opCtx(ctx)
	defer cancel()

	db := b.db.WithContext(ctx)
	row, err := sessionByCode(db, code, false)
	if err != nil {
		return nil, classify(err)
	}
	id, err := parseID(loc.ID)
	if err != nil {
		return nil, err
	}
	stored := Location{
		ID:          id,
		SessionID:   row.ID,
		Name:        loc.Name,
		Description: loc.Description,
		Image:       loc.Image,
		CreatedAt:   loc.CreatedAt,
	}
	if err := db.Create(&stored).Error; err != nil {
		return nil, classify(err)
	}
	return stored.entity(), nil
}

func (b *Backend) SetActiveLocation(ctx context.Context, code, locationID string) error {
	ctx, cancel := b.opCtx(ctx)
	defer cancel()

	err := b.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		row, err := sessionByCode(tx, code, false)
		if err != nil {
			return err
		}
		id, err := parseID(locationID)
		if err != nil {
			return err
		}
		var loc Location
		if err := tx.First(&loc, "id = ? AND session_id = ?", id, row.ID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return fmt.Errorf("%w: unknown location %s", session.ErrInvalidArgument, locationID)
			}
			return err
		}
		return tx.Model(&Session{}).Where("id = ?", row.ID).
			Update("active_location_id", loc.ID).Error
	})
	return classify(err)
}

func (b *Backend) StartSession(ctx context.Context, code, locationID string) error {
	ctx, cancel := b.opCtx(ctx)
	defer cancel()

	err := b.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		row, err := sessionByCode(tx, code, true)
		if err != nil {
			return err
		}
		if row.Started {
			return nil
		}
		id, err := parseID(locationID)
		if err != nil {
			return err
		}
		var loc Location
		if err := tx.First(&loc, "id = ? AND session_id = ?", id, row.ID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return fmt.Errorf("%w: unknown location %s", session.ErrInvalidArgument, locationID)
			}
			return err
		}
		if err := tx.Model(&Session{}).Where("id = ?", row.ID).
			Updates(map[string]any{"started": true, "active_location_id": loc.ID}).Error; err != nil {
			return err
		}
		return tx.Model(&Player{}).Where("session_id = ?", row.ID).
			Update("location_id", loc.ID).Error
	})
	return classify(err)
}

func (b *Backend) AppendMessage(ctx context.Context, code string, msg *session.Message) error {
	ctx, cancel := b.opCtx(ctx)
	defer cancel()

	db := b.db.WithContext(ctx)
	row, err := sessionByCode(db, code, false)
	if err != nil {
		return classify(err)
	}
	id, err := parseID(msg.ID)
	if err != nil {
		return err
	}
	stored := Message{ID: id, SessionID: row.ID, Text: msg.Text, CreatedAt: msg.At}
	if msg.PlayerID != "" {
		pid, err := parseID(msg.PlayerID)
		if err != nil {
			return err
		}
		stored.PlayerID = &pid
	}
	return classify(db.Create(&stored).Error)
}

func (b *Backend) AppendRoll(ctx context.Context, code string, roll *session.Roll) error {
	ctx, cancel := b.opCtx(ctx)
	defer cancel()

	db := b.db.WithContext(ctx)
	row, err := sessionByCode(db, code, false)
	if err != nil {
		return classify(err)
	}
	id, err := parseID(roll.ID)
	if err != nil {
		return err
	}
	stored := Roll{ID: id, SessionID: row.ID, Die: roll.Die, Result: roll.Result, CreatedAt: roll.At}
	if roll.PlayerID != "" {
		pid, err := parseID(roll.PlayerID)
		if err != nil {
			return err
		}
		stored.PlayerID = &pid
	}
	return classify(db.Create(&stored).Error)
}

func (b *Backend) DeleteExpired(ctx context.Context, now time.Time) ([]string, error) {
	ctx, cancel := b.opCtx(ctx)
	defer cancel()

	db := b.db.WithContext(ctx)
	var expired []Session
	if err := db.Where("expires_at < ?", now).Find(&expired).Error; err != nil {
		return nil, classify(err)
	}

	// One bad row must not stop the rest of the sweep.
	var deleted []string
	for i := range expired {
		if err := db.Delete(&Session{}, "id = ?", expired[i].ID).Error; err != nil {
			logging.Errorf("sweep: delete session %s: %v", expired[i].Code, err)
			continue
		}
		deleted = append(deleted, expired[i].Code)
	}
	return deleted, nil
}
