package service

import (
	"context"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/sma-assessment-api/internal/models"
	appErrors "github.com/noah-isme/sma-assessment-api/pkg/errors"
	"github.com/noah-isme/sma-assessment-api/pkg/storage"
)

func newExportLinks(t *testing.T, e *testEngine, ttl time.Duration) (*ExportLinkService, string) {
	t.Helper()
	dir := t.TempDir()
	archive, err := storage.NewArchive(dir)
	require.NoError(t, err)
	return NewExportLinkService(e.sheets, archive, storage.NewLinkSigner("secret", ttl), nil), dir
}

func TestExportLinkRoundTrip(t *testing.T) {
	e := newTestEngine()
	ctx := context.Background()
	links, _ := newExportLinks(t, e, time.Hour)
	exam := createAssessment(t, e, scopeA, models.KindSummative, practicalExam())
	_, err := upsertScore(e, scopeA, exam.ID, "student-1", `{"theory_score":40,"practical_score":20}`)
	require.NoError(t, err)

	link, err := links.Create(ctx, scopeA, exam.ID, models.KindSummative, "pdf", false)
	require.NoError(t, err)
	assert.Equal(t, "summative-"+exam.ID+".pdf", link.Filename)

	file, err := links.Resolve(link.Token)
	require.NoError(t, err)
	assert.Equal(t, "application/pdf", file.ContentType)
	assert.True(t, strings.HasPrefix(string(file.Content), "%PDF"))
}

func TestExportLinkHonoursVisibility(t *testing.T) {
	e := newTestEngine()
	links, _ := newExportLinks(t, e, time.Hour)
	exam := createAssessment(t, e, scopeA, models.KindSummative, practicalExam())

	_, err := links.Create(context.Background(), scopeA, exam.ID, models.KindSummative, "csv", true)
	assertCode(t, err, appErrors.ErrForbidden)
	_, err = links.Create(context.Background(), scopeB, exam.ID, models.KindSummative, "csv", false)
	assertCode(t, err, appErrors.ErrNotFound)
}

func TestExportLinkRejectsBadTokensAndPurgedFiles(t *testing.T) {
	e := newTestEngine()
	links, dir := newExportLinks(t, e, time.Hour)
	exam := createAssessment(t, e, scopeA, models.KindFormative, map[string]interface{}{"competency_area": "algebra", "weight": 10})

	_, err := links.Resolve("not-a-token")
	assertCode(t, err, appErrors.ErrForbidden)

	link, err := links.Create(context.Background(), scopeA, exam.ID, models.KindFormative, "csv", false)
	require.NoError(t, err)
	require.NoError(t, os.RemoveAll(dir))

	_, err = links.Resolve(link.Token)
	assertCode(t, err, appErrors.ErrNotFound)
}
