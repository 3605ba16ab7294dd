package service

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/noah-isme/sma-assessment-api/internal/models"
	"github.com/noah-isme/sma-assessment-api/internal/repository"
)

const (
	tenantA = "tenant-a"
	tenantB = "tenant-b"
)

var (
	scopeA = models.TenantScope{TenantID: tenantA}
	scopeB = models.TenantScope{TenantID: tenantB}
)

// memDB backs the repository fakes with maps guarded by one mutex, which also stands in for row locks.
type memDB struct {
	mu          sync.Mutex
	seq         int
	clock       time.Time
	assessments map[string]*models.Assessment
	scores      map[string]*models.Score
	placements  map[string]models.StudentPlacement
	unknown     map[string]bool
	rankWrites  int
}

func newMemDB() *memDB {
	return &memDB{
		clock:       time.Date(2024, 1, 1, 8, 0, 0, 0, time.UTC),
		assessments: make(map[string]*models.Assessment),
		scores:      make(map[string]*models.Score),
		placements:  make(map[string]models.StudentPlacement),
		unknown:     make(map[string]bool),
	}
}

func (db *memDB) nextID(prefix string) string {
	db.seq++
	return fmt.Sprintf("%s-%d", prefix, db.seq)
}

func (db *memDB) tick() time.Time {
	db.clock = db.clock.Add(time.Second)
	return db.clock
}

func (db *memDB) now() time.Time {
	db.mu.Lock()
	defer db.mu.Unlock()
	return db.tick()
}

func (db *memDB) visibleAssessment(scope models.TenantScope, id string) (*models.Assessment, bool) {
	a, ok := db.assessments[id]
	if !ok || !scope.Allows(a.TenantID) {
		return nil, false
	}
	return a, true
}

func (db *memDB) Missing(ctx context.Context, tenantID string, refs []models.Reference) ([]models.Reference, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	var missing []models.Reference
	for _, ref := range refs {
		if db.unknown[ref.ID] {
			missing = append(missing, ref)
		}
	}
	return missing, nil
}

func (db *memDB) Placements(ctx context.Context, tenantID string, studentIDs []string) (map[string]models.StudentPlacement, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	result := make(map[string]models.StudentPlacement)
	for _, id := range studentIDs {
		if p, ok := db.placements[id]; ok {
			result[id] = p
		}
	}
	return result, nil
}

type fakeAssessments struct{ db *memDB }

func (f *fakeAssessments) Create(ctx context.Context, assessment *models.Assessment) error {
	f.db.mu.Lock()
	defer f.db.mu.Unlock()
	if assessment.ID == "" {
		assessment.ID = f.db.nextID("assessment")
	}
	now := f.db.tick()
	assessment.CreatedAt = now
	assessment.UpdatedAt = now
	stored := *assessment
	f.db.assessments[assessment.ID] = &stored
	return nil
}

func (f *fakeAssessments) FindByID(ctx context.Context, scope models.TenantScope, id string, kind models.AssessmentKind) (*models.Assessment, error) {
	f.db.mu.Lock()
	defer f.db.mu.Unlock()
	a, ok := f.db.visibleAssessment(scope, id)
	if !ok || a.Kind != kind {
		return nil, sql.ErrNoRows
	}
	copied := *a
	return &copied, nil
}

func (f *fakeAssessments) FindAnyKind(ctx context.Context, scope models.TenantScope, id string) (*models.Assessment, error) {
	f.db.mu.Lock()
	defer f.db.mu.Unlock()
	a, ok := f.db.visibleAssessment(scope, id)
	if !ok {
		return nil, sql.ErrNoRows
	}
	copied := *a
	return &copied, nil
}

func (f *fakeAssessments) List(ctx context.Context, scope models.TenantScope, filter models.AssessmentFilter) ([]models.Assessment, int, error) {
	f.db.mu.Lock()
	defer f.db.mu.Unlock()
	var result []models.Assessment
	for _, a := range f.db.assessments {
		if !scope.Allows(a.TenantID) {
			continue
		}
		if filter.Kind != "" && a.Kind != filter.Kind {
			continue
		}
		if filter.ClassID != "" && a.ClassID != filter.ClassID {
			continue
		}
		if filter.PublishState != "" && a.PublishState != filter.PublishState {
			continue
		}
		result = append(result, *a)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result, len(result), nil
}

func (f *fakeAssessments) CountScores(ctx context.Context, id string) (int, error) {
	f.db.mu.Lock()
	defer f.db.mu.Unlock()
	return f.db.countScores(id), nil
}

func (db *memDB) countScores(assessmentID string) int {
	count := 0
	for _, s := range db.scores {
		if s.AssessmentID == assessmentID {
			count++
		}
	}
	return count
}

func (f *fakeAssessments) Update(ctx context.Context, scope models.TenantScope, assessment *models.Assessment) error {
	f.db.mu.Lock()
	defer f.db.mu.Unlock()
	current, ok := f.db.visibleAssessment(scope, assessment.ID)
	if !ok || current.Kind != assessment.Kind {
		return sql.ErrNoRows
	}
	if current.IsPublished() {
		return repository.ErrAssessmentPublished
	}
	assessment.UpdatedAt = f.db.tick()
	stored := *assessment
	f.db.assessments[assessment.ID] = &stored
	return nil
}

func (f *fakeAssessments) Delete(ctx context.Context, scope models.TenantScope, id string, kind models.AssessmentKind) error {
	f.db.mu.Lock()
	defer f.db.mu.Unlock()
	current, ok := f.db.visibleAssessment(scope, id)
	if !ok || current.Kind != kind {
		return sql.ErrNoRows
	}
	if current.IsPublished() {
		return repository.ErrAssessmentPublished
	}
	if count := f.db.countScores(id); count > 0 {
		return &repository.ScoresExistError{Count: count}
	}
	delete(f.db.assessments, id)
	return nil
}

func (f *fakeAssessments) Publish(ctx context.Context, scope models.TenantScope, id string, kind models.AssessmentKind, at time.Time) (*models.Assessment, bool, error) {
	f.db.mu.Lock()
	defer f.db.mu.Unlock()
	current, ok := f.db.visibleAssessment(scope, id)
	if !ok || current.Kind != kind {
		return nil, false, sql.ErrNoRows
	}
	if current.IsPublished() {
		copied := *current
		return &copied, false, nil
	}
	current.PublishState = models.PublishStatePublished
	current.PublishedAt = &at
	current.UpdatedAt = at
	copied := *current
	return &copied, true, nil
}

type fakeScores struct{ db *memDB }

func (f *fakeScores) list(match func(*models.Score) bool) []models.Score {
	var result []models.Score
	for _, s := range f.db.scores {
		if match(s) {
			result = append(result, *s)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].StudentID < result[j].StudentID })
	return result
}

func (f *fakeScores) ListByAssessment(ctx context.Context, scope models.TenantScope, assessmentID string) ([]models.Score, error) {
	f.db.mu.Lock()
	defer f.db.mu.Unlock()
	return f.list(func(s *models.Score) bool {
		return s.AssessmentID == assessmentID && scope.Allows(s.TenantID)
	}), nil
}

func (f *fakeScores) ListByStudent(ctx context.Context, scope models.TenantScope, filter models.ScoreFilter) ([]models.Score, error) {
	f.db.mu.Lock()
	defer f.db.mu.Unlock()
	return f.list(func(s *models.Score) bool {
		if s.StudentID != filter.StudentID || !scope.Allows(s.TenantID) {
			return false
		}
		a, ok := f.db.assessments[s.AssessmentID]
		if !ok || (filter.PublishedOnly && !a.IsPublished()) {
			return false
		}
		return filter.TermID == "" || a.TermID == filter.TermID
	}), nil
}

func (f *fakeScores) FindByID(ctx context.Context, scope models.TenantScope, id string) (*models.Score, error) {
	f.db.mu.Lock()
	defer f.db.mu.Unlock()
	s, ok := f.db.scores[id]
	if !ok || !scope.Allows(s.TenantID) {
		return nil, sql.ErrNoRows
	}
	copied := *s
	return &copied, nil
}

func (f *fakeScores) findPair(assessmentID, studentID string) *models.Score {
	for _, s := range f.db.scores {
		if s.AssessmentID == assessmentID && s.StudentID == studentID {
			return s
		}
	}
	return nil
}

func (f *fakeScores) Upsert(ctx context.Context, scope models.TenantScope, assessmentID, studentID string, mutate repository.ScoreMutation) (*models.Score, bool, error) {
	f.db.mu.Lock()
	defer f.db.mu.Unlock()
	a, ok := f.db.visibleAssessment(scope, assessmentID)
	if !ok {
		return nil, false, sql.ErrNoRows
	}
	locked := *a
	var existing *models.Score
	if current := f.findPair(assessmentID, studentID); current != nil {
		copied := *current
		existing = &copied
	}
	next, err := mutate(&locked, existing)
	if err != nil {
		return nil, false, err
	}
	now := f.db.tick()
	if existing == nil {
		next.ID = f.db.nextID("score")
		next.TenantID = a.TenantID
		next.AssessmentID = a.ID
		next.StudentID = studentID
		next.Kind = a.Kind
		next.CreatedAt = now
		next.UpdatedAt = now
		stored := *next
		f.db.scores[next.ID] = &stored
		return next, true, nil
	}
	next.ID = existing.ID
	next.TenantID = existing.TenantID
	next.AssessmentID = existing.AssessmentID
	next.StudentID = existing.StudentID
	next.Kind = existing.Kind
	next.CreatedAt = existing.CreatedAt
	next.ClassRank = existing.ClassRank
	next.StreamRank = existing.StreamRank
	next.RanksComputedAt = existing.RanksComputedAt
	next.UpdatedAt = now
	stored := *next
	f.db.scores[next.ID] = &stored
	return next, false, nil
}

func (f *fakeScores) Delete(ctx context.Context, scope models.TenantScope, id string, guard repository.ScoreGuard) (*models.Score, error) {
	f.db.mu.Lock()
	defer f.db.mu.Unlock()
	s, ok := f.db.scores[id]
	if !ok || !scope.Allows(s.TenantID) {
		return nil, sql.ErrNoRows
	}
	a := *f.db.assessments[s.AssessmentID]
	copied := *s
	if err := guard(&a, &copied); err != nil {
		return nil, err
	}
	delete(f.db.scores, id)
	return &copied, nil
}

type fakeRanks struct{ db *memDB }

func (f *fakeRanks) WriteRanks(ctx context.Context, scope models.TenantScope, assessmentID string, ranks []models.ScoreRank, computedAt time.Time) (int, error) {
	f.db.mu.Lock()
	defer f.db.mu.Unlock()
	if _, ok := f.db.visibleAssessment(scope, assessmentID); !ok {
		return 0, sql.ErrNoRows
	}
	f.db.rankWrites++
	written := 0
	for _, rank := range ranks {
		s, ok := f.db.scores[rank.ScoreID]
		if !ok || s.AssessmentID != assessmentID {
			continue
		}
		classRank := rank.ClassRank
		s.ClassRank = &classRank
		s.StreamRank = nil
		if rank.StreamRank != nil {
			streamRank := *rank.StreamRank
			s.StreamRank = &streamRank
		}
		at := computedAt
		s.RanksComputedAt = &at
		written++
	}
	return written, nil
}

type fakeScheduler struct {
	mu        sync.Mutex
	scheduled []string
}

func (f *fakeScheduler) Schedule(ctx context.Context, scope models.TenantScope, assessmentID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.scheduled = append(f.scheduled, assessmentID)
	return true, nil
}

// testEngine wires every service over one memDB.
type testEngine struct {
	db          *memDB
	assessments *AssessmentService
	scores      *ScoreService
	ranking     *RankingService
	publish     *PublishService
	bulk        *BulkService
	sheets      *SheetService
	scheduler   *fakeScheduler
}

func newTestEngine() *testEngine {
	db := newMemDB()
	assessments := &fakeAssessments{db: db}
	scores := &fakeScores{db: db}
	ledger := NewScoreService(scores, assessments, db, nil, nil, nil, nil)
	ranking := NewRankingService(assessments, scores, &fakeRanks{db: db}, db, nil, nil, nil)
	ranking.now = db.now
	publish := NewPublishService(assessments, nil, nil, nil)
	publish.now = db.now
	scheduler := &fakeScheduler{}
	sheets := NewSheetService(assessments, scores, nil, nil, nil)
	sheets.now = db.now
	return &testEngine{
		db:          db,
		assessments: NewAssessmentService(assessments, db, nil, nil, nil),
		scores:      ledger,
		ranking:     ranking,
		publish:     publish,
		bulk:        NewBulkService(ledger, scheduler, nil, nil, nil, BulkOptions{MaxRows: 10, Concurrency: 3}),
		sheets:      sheets,
		scheduler:   scheduler,
	}
}
