package database

import (
	"context"
	"database/sql"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/jknair0/beforeeach"

	"physique-analyze-pipeline/models"
)

var (
	db   *sql.DB
	mock sqlmock.Sqlmock
)

func setUp() {
	db, mock, _ = sqlmock.New()
}

func tearDown() {
	db.Close()
}

var it = beforeeach.Create(setUp, tearDown)

func sampleAnalysis() *StoredAnalysis {
	return &StoredAnalysis{
		RequestID:     "req-1",
		Fingerprint:   "a1b2c3d4e5f60718",
		Source:        "ChatGPT",
		Cached:        false,
		PhysiqueScore: 7,
		Result: models.AnalysisResult{
			Metadata: &models.AnalysisMetadata{
				ImageQuality: models.QualityGood,
				Confidence:   90,
			},
			MuscleScores: []models.MuscleScore{
				{Name: "Pectoralis Major", Group: "chest", Score: 7},
			},
			OverallAssessment: &models.OverallAssessment{PhysiqueScore: 7, SymmetryScore: 6},
			Recommendations:   []models.Recommendation{},
		},
	}
}

func TestSaveAnalysis(t *testing.T) {
	it(func() {
		d := NewWithDB(db)
		a := sampleAnalysis()

		mock.ExpectExec("INSERT INTO physique_analysis").
			WithArgs(a.RequestID, a.Fingerprint, a.Source, a.Cached, a.PhysiqueScore, sqlmock.AnyArg()).
			WillReturnResult(sqlmock.NewResult(1, 1))

		if err := d.SaveAnalysis(context.Background(), a); err != nil {
			t.Fatalf("SaveAnalysis: %v", err)
		}
		if err := mock.ExpectationsWereMet(); err != nil {
			t.Errorf("unmet expectations: %v", err)
		}
	})
}

func TestGetAnalysisByRequestID(t *testing.T) {
	it(func() {
		d := NewWithDB(db)

		resultJSON := `{"metadata":{"imageQuality":"good","confidence":90,"detectedRegions":null},` +
			`"muscleScores":[{"name":"Pectoralis Major","group":"chest","score":7,"category":"","visibility":""}],` +
			`"overallAssessment":{"strongestMuscles":null,"weakestMuscles":null,"physiqueScore":7,"symmetryScore":6,"balanceCategory":""},` +
			`"recommendations":[]}`
		created := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)

		rows := sqlmock.NewRows([]string{
			"request_id", "fingerprint", "source", "cached", "physique_score", "result_json", "created_at",
		}).AddRow("req-1", "a1b2c3d4e5f60718", "ChatGPT", true, 7.0, resultJSON, created)

		mock.ExpectQuery("SELECT (.+) FROM physique_analysis").
			WithArgs("req-1").
			WillReturnRows(rows)

		got, err := d.GetAnalysisByRequestID(context.Background(), "req-1")
		if err != nil {
			t.Fatalf("GetAnalysisByRequestID: %v", err)
		}
		if got.Source != "ChatGPT" || !got.Cached {
			t.Errorf("unexpected row: %+v", got)
		}
		if len(got.Result.MuscleScores) != 1 || got.Result.MuscleScores[0].Score != 7 {
			t.Errorf("result not round-tripped: %+v", got.Result)
		}
	})
}

func TestGetAnalysisNotFound(t *testing.T) {
	it(func() {
		d := NewWithDB(db)

		mock.ExpectQuery("SELECT (.+) FROM physique_analysis").
			WithArgs("missing").
			WillReturnError(sql.ErrNoRows)

		_, err := d.GetAnalysisByRequestID(context.Background(), "missing")
		if err != sql.ErrNoRows {
			t.Errorf("err = %v, want sql.ErrNoRows", err)
		}
	})
}

func TestGetStats(t *testing.T) {
	it(func() {
		d := NewWithDB(db)

		rows := sqlmock.NewRows([]string{"count", "cached", "avg", "latest"}).
			AddRow(10, 4, 6.5, "2026-08-01 12:00:00")

		mock.ExpectQuery("SELECT COUNT").WillReturnRows(rows)

		s, err := d.GetStats(context.Background())
		if err != nil {
			t.Fatalf("GetStats: %v", err)
		}
		if s.TotalAnalyses != 10 || s.CachedAnalyses != 4 || s.AvgPhysique != 6.5 {
			t.Errorf("unexpected stats: %+v", s)
		}
	})
}
