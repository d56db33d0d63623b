// Package memory holds in-process implementations of the repository
// contracts. They mirror the Postgres semantics closely enough for service
// tests, including the conditional owner update.
package memory

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"proofofart/internal/ids"
	"proofofart/internal/models"
	"proofofart/internal/repository"
)

type state struct {
	mu            sync.Mutex
	now           func() time.Time
	images        map[string]models.Image
	reports       map[string]models.DetectionReport
	findings      map[string][]models.TamperFinding
	artworks      map[string]models.Artwork
	ledger        []models.OwnershipTransfer
	claims        map[string]models.ArtworkClaim
	users         map[string]models.User
	notifications []models.Notification
	keys          map[string]models.KeyRecord
}

// Store bundles one in-memory implementation per repository over shared state.
type Store struct {
	Images        *Images
	Artworks      *Artworks
	Claims        *Claims
	Users         *Users
	Notifications *Notifications
	Keys          *Keys
}

func NewStore() *Store {
	s := &state{
		now:      time.Now,
		images:   make(map[string]models.Image),
		reports:  make(map[string]models.DetectionReport),
		findings: make(map[string][]models.TamperFinding),
		artworks: make(map[string]models.Artwork),
		claims:   make(map[string]models.ArtworkClaim),
		users:    make(map[string]models.User),
		keys:     make(map[string]models.KeyRecord),
	}
	return &Store{
		Images:        &Images{s},
		Artworks:      &Artworks{s},
		Claims:        &Claims{s},
		Users:         &Users{s},
		Notifications: &Notifications{s},
		Keys:          &Keys{s},
	}
}

// tick returns a strictly increasing timestamp so ledger order is stable.
func (s *state) tick() time.Time {
	t := s.now().UTC()
	if n := len(s.ledger); n > 0 && !t.After(s.ledger[n-1].CreatedAt) {
		t = s.ledger[n-1].CreatedAt.Add(time.Microsecond)
	}
	return t
}

type Images struct{ s *state }

func (r *Images) Create(_ context.Context, image models.Image) (models.Image, bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, existing := range r.s.images {
		if existing.ContentHash == image.ContentHash {
			return existing, false, nil
		}
	}
	now := r.s.now().UTC()
	image.CreatedAt, image.UpdatedAt = now, now
	r.s.images[image.ID] = image
	return image, true, nil
}

func (r *Images) GetByID(_ context.Context, id string) (models.Image, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	image, ok := r.s.images[id]
	if !ok {
		return models.Image{}, repository.ErrImageNotFound
	}
	return image, nil
}

func (r *Images) GetByHash(_ context.Context, hash string) (models.Image, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, image := range r.s.images {
		if image.ContentHash == hash {
			return image, nil
		}
	}
	return models.Image{}, repository.ErrImageNotFound
}

func (r *Images) UpdateStatus(_ context.Context, id string, status models.ImageStatus) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	image, ok := r.s.images[id]
	if !ok {
		return repository.ErrImageNotFound
	}
	image.Status = status
	image.UpdatedAt = r.s.now().UTC()
	r.s.images[id] = image
	return nil
}

func (r *Images) ListStale(_ context.Context, status models.ImageStatus, before time.Time, limit int) ([]models.Image, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var out []models.Image
	for _, image := range r.s.images {
		if image.Status == status && image.UpdatedAt.Before(before) {
			out = append(out, image)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *Images) CountByStatus(context.Context) (map[models.ImageStatus]int64, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	counts := make(map[models.ImageStatus]int64)
	for _, image := range r.s.images {
		counts[image.Status]++
	}
	return counts, nil
}

func (r *Images) UpsertReport(_ context.Context, report models.DetectionReport) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if _, ok := r.s.images[report.ImageID]; !ok {
		return repository.ErrImageNotFound
	}
	now := r.s.now().UTC()
	if prev, ok := r.s.reports[report.ImageID]; ok {
		report.CreatedAt = prev.CreatedAt
	} else {
		report.CreatedAt = now
	}
	report.UpdatedAt = now
	r.s.reports[report.ImageID] = report
	return nil
}

func (r *Images) GetReport(_ context.Context, imageID string) (models.DetectionReport, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	report, ok := r.s.reports[imageID]
	if !ok {
		return models.DetectionReport{}, repository.ErrReportNotFound
	}
	return report, nil
}

func (r *Images) ReplaceFindings(_ context.Context, imageID string, findings []models.TamperFinding) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	now := r.s.now().UTC()
	replaced := make([]models.TamperFinding, 0, len(findings))
	for _, f := range findings {
		f.ImageID = imageID
		f.CreatedAt = now
		replaced = append(replaced, f)
	}
	r.s.findings[imageID] = replaced
	return nil
}

func (r *Images) ListFindings(_ context.Context, imageID string) ([]models.TamperFinding, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	return append([]models.TamperFinding(nil), r.s.findings[imageID]...), nil
}

type Artworks struct{ s *state }

func (r *Artworks) CreateWithUpload(_ context.Context, artwork models.Artwork) (models.Artwork, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, existing := range r.s.artworks {
		if existing.ImageID == artwork.ImageID {
			return models.Artwork{}, repository.ErrArtworkExists
		}
	}
	now := r.s.now().UTC()
	artwork.CurrentOwnerID = artwork.OriginalUploaderID
	artwork.CreatedAt, artwork.UpdatedAt = now, now
	r.s.artworks[artwork.ID] = artwork
	r.s.ledger = append(r.s.ledger, models.OwnershipTransfer{
		ID:           ids.New(),
		ArtworkID:    artwork.ID,
		NewOwnerID:   artwork.OriginalUploaderID,
		TransferType: models.TransferUpload,
		CreatedAt:    r.s.tick(),
	})
	return artwork, nil
}

func (r *Artworks) GetByID(_ context.Context, id string) (models.Artwork, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	artwork, ok := r.s.artworks[id]
	if !ok {
		return models.Artwork{}, repository.ErrArtworkNotFound
	}
	return artwork, nil
}

func (r *Artworks) GetByImageID(_ context.Context, imageID string) (models.Artwork, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, artwork := range r.s.artworks {
		if artwork.ImageID == imageID {
			return artwork, nil
		}
	}
	return models.Artwork{}, repository.ErrArtworkNotFound
}

func (r *Artworks) ListByOwner(_ context.Context, ownerID string, acquiredOnly bool, limit, offset int) ([]models.Artwork, error) {
	return r.list(func(a models.Artwork) bool {
		return a.CurrentOwnerID == ownerID && (!acquiredOnly || a.OriginalUploaderID != ownerID)
	}, limit, offset), nil
}

func (r *Artworks) ListByUploader(_ context.Context, uploaderID string, limit, offset int) ([]models.Artwork, error) {
	return r.list(func(a models.Artwork) bool { return a.OriginalUploaderID == uploaderID }, limit, offset), nil
}

// list pages through matching artworks newest first, like the SQL ORDER BY.
func (r *Artworks) list(keep func(models.Artwork) bool, limit, offset int) []models.Artwork {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var out []models.Artwork
	for _, a := range r.s.artworks {
		if keep(a) {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID > out[j].ID
	})
	if offset >= len(out) {
		return nil
	}
	out = out[offset:]
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

func (r *Artworks) UpdateProofMetadata(_ context.Context, id string, metadata json.RawMessage) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	artwork, ok := r.s.artworks[id]
	if !ok {
		return repository.ErrArtworkNotFound
	}
	artwork.ProofMetadata = append(json.RawMessage(nil), metadata...)
	artwork.UpdatedAt = r.s.now().UTC()
	r.s.artworks[id] = artwork
	return nil
}

func (r *Artworks) TransferOwner(_ context.Context, t models.OwnershipTransfer, expectedOwner string) (models.OwnershipTransfer, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	return r.s.transferLocked(t, expectedOwner)
}

func (r *Artworks) History(_ context.Context, artworkID string) ([]models.OwnershipTransfer, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var out []models.OwnershipTransfer
	for _, t := range r.s.ledger {
		if t.ArtworkID == artworkID {
			out = append(out, t)
		}
	}
	return out, nil
}

func (s *state) transferLocked(t models.OwnershipTransfer, expectedOwner string) (models.OwnershipTransfer, error) {
	artwork, ok := s.artworks[t.ArtworkID]
	if !ok {
		return models.OwnershipTransfer{}, repository.ErrArtworkNotFound
	}
	if artwork.CurrentOwnerID != expectedOwner {
		return models.OwnershipTransfer{}, repository.ErrOwnershipConflict
	}
	artwork.CurrentOwnerID = t.NewOwnerID
	artwork.UpdatedAt = s.now().UTC()
	s.artworks[artwork.ID] = artwork

	previous := expectedOwner
	t.PreviousOwnerID = &previous
	if t.ID == "" {
		t.ID = ids.New()
	}
	t.CreatedAt = s.tick()
	s.ledger = append(s.ledger, t)
	return t, nil
}

type Claims struct{ s *state }

func (r *Claims) Create(_ context.Context, claim models.ArtworkClaim) (models.ArtworkClaim, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, existing := range r.s.claims {
		if existing.ArtworkID == claim.ArtworkID && existing.RequesterID == claim.RequesterID && existing.Status == models.ClaimPending {
			return models.ArtworkClaim{}, repository.ErrDuplicatePendingClaim
		}
	}
	now := r.s.now().UTC()
	claim.Status = models.ClaimPending
	claim.CreatedAt, claim.UpdatedAt = now, now
	r.s.claims[claim.ID] = claim
	return claim, nil
}

func (r *Claims) GetByID(_ context.Context, id string) (models.ArtworkClaim, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	claim, ok := r.s.claims[id]
	if !ok {
		return models.ArtworkClaim{}, repository.ErrClaimNotFound
	}
	return claim, nil
}

func (r *Claims) HasPending(_ context.Context, artworkID, requesterID string) (bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, claim := range r.s.claims {
		if claim.ArtworkID == artworkID && claim.RequesterID == requesterID && claim.Status == models.ClaimPending {
			return true, nil
		}
	}
	return false, nil
}

func (r *Claims) ListByRequester(_ context.Context, requesterID string) ([]models.ArtworkClaim, error) {
	return r.filter(func(c models.ArtworkClaim) bool { return c.RequesterID == requesterID }), nil
}

func (r *Claims) ListByArtwork(_ context.Context, artworkID string) ([]models.ArtworkClaim, error) {
	return r.filter(func(c models.ArtworkClaim) bool { return c.ArtworkID == artworkID }), nil
}

func (r *Claims) filter(keep func(models.ArtworkClaim) bool) []models.ArtworkClaim {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var out []models.ArtworkClaim
	for _, claim := range r.s.claims {
		if keep(claim) {
			out = append(out, claim)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out
}

func (r *Claims) Approve(_ context.Context, p repository.ApproveParams) (models.OwnershipTransfer, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	claim, ok := r.s.claims[p.ClaimID]
	if !ok {
		return models.OwnershipTransfer{}, repository.ErrClaimNotFound
	}
	if claim.Status != models.ClaimPending {
		return models.OwnershipTransfer{}, repository.ErrClaimNotPending
	}

	claimID := p.ClaimID
	record, err := r.s.transferLocked(models.OwnershipTransfer{
		ArtworkID:    p.ArtworkID,
		NewOwnerID:   p.RequesterID,
		TransferType: models.TransferClaimApproved,
		ClaimID:      &claimID,
	}, p.ExpectedOwnerID)
	if err != nil {
		return models.OwnershipTransfer{}, err
	}

	r.s.closeLocked(claim, models.ClaimApproved, p.ReviewerID, p.ReviewedAt)
	return record, nil
}

func (r *Claims) Reject(_ context.Context, claimID, reviewerID string, reviewedAt time.Time) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	claim, ok := r.s.claims[claimID]
	if !ok {
		return repository.ErrClaimNotFound
	}
	if claim.Status != models.ClaimPending {
		return repository.ErrClaimNotPending
	}
	r.s.closeLocked(claim, models.ClaimRejected, reviewerID, reviewedAt)
	return nil
}

func (s *state) closeLocked(claim models.ArtworkClaim, status models.ClaimStatus, reviewerID string, at time.Time) {
	claim.Status = status
	claim.ReviewedByID = &reviewerID
	claim.ReviewedAt = &at
	claim.UpdatedAt = s.now().UTC()
	s.claims[claim.ID] = claim
}

type Users struct{ s *state }

func (r *Users) Upsert(_ context.Context, user models.User) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	now := r.s.now().UTC()
	if prev, ok := r.s.users[user.ID]; ok {
		user.CreatedAt = prev.CreatedAt
	} else {
		user.CreatedAt = now
	}
	if user.Status == "" {
		user.Status = models.UserStatusActive
	}
	user.UpdatedAt = now
	r.s.users[user.ID] = user
	return nil
}

func (r *Users) GetByID(_ context.Context, id string) (models.User, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	user, ok := r.s.users[id]
	if !ok {
		return models.User{}, repository.ErrUserNotFound
	}
	return user, nil
}

func (r *Users) ListAdmins(context.Context) ([]models.User, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var out []models.User
	for _, user := range r.s.users {
		if user.IsAdmin() && user.Status == models.UserStatusActive {
			out = append(out, user)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

type Notifications struct{ s *state }

func (r *Notifications) CreateMany(_ context.Context, notifications []models.Notification) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	now := r.s.now().UTC()
	for _, n := range notifications {
		n.CreatedAt = now
		n.Read = false
		r.s.notifications = append(r.s.notifications, n)
	}
	return nil
}

func (r *Notifications) ListByUser(_ context.Context, userID string, unreadOnly bool, limit int) ([]models.Notification, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var out []models.Notification
	for i := len(r.s.notifications) - 1; i >= 0; i-- {
		n := r.s.notifications[i]
		if n.UserID != userID || (unreadOnly && n.Read) {
			continue
		}
		out = append(out, n)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (r *Notifications) MarkRead(_ context.Context, userID, id string) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for i, n := range r.s.notifications {
		if n.ID == id && n.UserID == userID {
			r.s.notifications[i].Read = true
			return nil
		}
	}
	return repository.ErrNotificationNotFound
}

func (r *Notifications) MarkAllRead(_ context.Context, userID string) (int64, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var n int64
	for i := range r.s.notifications {
		if r.s.notifications[i].UserID == userID && !r.s.notifications[i].Read {
			r.s.notifications[i].Read = true
			n++
		}
	}
	return n, nil
}

func (r *Notifications) CountUnread(_ context.Context, userID string) (int64, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var n int64
	for _, notification := range r.s.notifications {
		if notification.UserID == userID && !notification.Read {
			n++
		}
	}
	return n, nil
}

func (r *Notifications) Delete(_ context.Context, userID, id string) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for i, n := range r.s.notifications {
		if n.ID == id && n.UserID == userID {
			r.s.notifications = append(r.s.notifications[:i], r.s.notifications[i+1:]...)
			return nil
		}
	}
	return repository.ErrNotificationNotFound
}

type Keys struct{ s *state }

func (r *Keys) Upsert(_ context.Context, key models.KeyRecord) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	now := r.s.now().UTC()
	if prev, ok := r.s.keys[key.Kid]; ok {
		key.CreatedAt = prev.CreatedAt
	} else {
		key.CreatedAt = now
	}
	key.Revoked = false
	key.RevokedAt = nil
	key.UpdatedAt = now
	r.s.keys[key.Kid] = key
	return nil
}

func (r *Keys) Get(_ context.Context, kid string) (models.KeyRecord, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	key, ok := r.s.keys[kid]
	if !ok {
		return models.KeyRecord{}, repository.ErrKeyNotFound
	}
	return key, nil
}

func (r *Keys) Revoke(_ context.Context, kid string, at time.Time) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	key, ok := r.s.keys[kid]
	if !ok {
		return repository.ErrKeyNotFound
	}
	if key.Revoked {
		return nil
	}
	key.Revoked = true
	key.RevokedAt = &at
	key.UpdatedAt = at
	r.s.keys[kid] = key
	return nil
}

func (r *Keys) ListByOwner(_ context.Context, ownerID string) ([]models.KeyRecord, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var out []models.KeyRecord
	for _, key := range r.s.keys {
		if key.OwnerID != nil && *key.OwnerID == ownerID {
			out = append(out, key)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Kid < out[j].Kid })
	return out, nil
}
