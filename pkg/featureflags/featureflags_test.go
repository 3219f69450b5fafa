package featureflags

import (
	"context"
	"database/sql"
	"fmt"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
)

func TestNewService(t *testing.T) {
	db, _, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create mock db: %v", err)
	}
	defer db.Close()

	svc := NewService(db)
	if svc == nil {
		t.Fatal("NewService() returned nil")
	}
	if svc.db == nil {
		t.Error("NewService() db is nil")
	}
}

func TestIsEnabled(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create mock db: %v", err)
	}
	defer db.Close()

	svc := NewService(db)
	ctx := context.Background()

	tenantID := "tenant-a"
	slot := bucket(tenantID, FlagHybridJudgment)

	flagRows := func(rows ...[]driverValue) *sqlmock.Rows {
		r := sqlmock.NewRows([]string{"tenant_id", "enabled", "rollout_percentage"})
		for _, row := range rows {
			r.AddRow(row[0], row[1], row[2])
		}
		return r
	}

	tests := []struct {
		name    string
		mockFn  func()
		want    bool
		wantErr bool
	}{
		{
			name: "tenant override on wins over global off",
			mockFn: func() {
				mock.ExpectQuery("SELECT (.+) FROM feature_flags").
					WithArgs(FlagHybridJudgment, tenantID).
					WillReturnRows(flagRows(
						[]driverValue{tenantID, true, 0},
						[]driverValue{nil, false, 0},
					))
			},
			want: true,
		},
		{
			name: "tenant override off wins over global on",
			mockFn: func() {
				mock.ExpectQuery("SELECT (.+) FROM feature_flags").
					WithArgs(FlagHybridJudgment, tenantID).
					WillReturnRows(flagRows(
						[]driverValue{tenantID, false, 0},
						[]driverValue{nil, true, 100},
					))
			},
			want: false,
		},
		{
			name: "global override on",
			mockFn: func() {
				mock.ExpectQuery("SELECT (.+) FROM feature_flags").
					WithArgs(FlagHybridJudgment, tenantID).
					WillReturnRows(flagRows([]driverValue{nil, true, 0}))
			},
			want: true,
		},
		{
			name: "rollout includes tenant below percentage",
			mockFn: func() {
				mock.ExpectQuery("SELECT (.+) FROM feature_flags").
					WithArgs(FlagHybridJudgment, tenantID).
					WillReturnRows(flagRows([]driverValue{nil, false, slot + 1}))
			},
			want: true,
		},
		{
			name: "rollout excludes tenant at percentage",
			mockFn: func() {
				mock.ExpectQuery("SELECT (.+) FROM feature_flags").
					WithArgs(FlagHybridJudgment, tenantID).
					WillReturnRows(flagRows([]driverValue{nil, false, slot}))
			},
			want: false,
		},
		{
			name: "no entry defaults off",
			mockFn: func() {
				mock.ExpectQuery("SELECT (.+) FROM feature_flags").
					WithArgs(FlagHybridJudgment, tenantID).
					WillReturnRows(flagRows())
			},
			want: false,
		},
		{
			name: "database error",
			mockFn: func() {
				mock.ExpectQuery("SELECT (.+) FROM feature_flags").
					WithArgs(FlagHybridJudgment, tenantID).
					WillReturnError(sql.ErrConnDone)
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.mockFn()

			got, err := svc.IsEnabled(ctx, tenantID, FlagHybridJudgment)
			if (err != nil) != tt.wantErr {
				t.Errorf("IsEnabled() error = %v, wantErr %v", err, tt.wantErr)
				return
			}
			if got != tt.want {
				t.Errorf("IsEnabled() = %v, want %v", got, tt.want)
			}

			if err := mock.ExpectationsWereMet(); err != nil {
				t.Errorf("unfulfilled expectations: %v", err)
			}
		})
	}
}

// driverValue keeps the flagRows helper readable; sqlmock accepts any value.
type driverValue = any

func TestEnableDisable(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create mock db: %v", err)
	}
	defer db.Close()

	svc := NewService(db)
	ctx := context.Background()

	tests := []struct {
		name    string
		call    func() error
		mockFn  func()
		wantErr bool
	}{
		{
			name: "enable tenant override",
			call: func() error { return svc.Enable(ctx, "tenant-a", FlagAutoExecution) },
			mockFn: func() {
				mock.ExpectExec("INSERT INTO feature_flags").
					WithArgs(sqlmock.AnyArg(), FlagAutoExecution, "tenant-a", true).
					WillReturnResult(sqlmock.NewResult(0, 1))
			},
		},
		{
			name: "enable global",
			call: func() error { return svc.Enable(ctx, "", FlagAutoExecution) },
			mockFn: func() {
				mock.ExpectExec("INSERT INTO feature_flags").
					WithArgs(sqlmock.AnyArg(), FlagAutoExecution, true).
					WillReturnResult(sqlmock.NewResult(0, 1))
			},
		},
		{
			name: "disable tenant override",
			call: func() error { return svc.Disable(ctx, "tenant-a", FlagAutoExecution) },
			mockFn: func() {
				mock.ExpectExec("INSERT INTO feature_flags").
					WithArgs(sqlmock.AnyArg(), FlagAutoExecution, "tenant-a", false).
					WillReturnResult(sqlmock.NewResult(0, 1))
			},
		},
		{
			name: "database error",
			call: func() error { return svc.Enable(ctx, "tenant-a", FlagAutoExecution) },
			mockFn: func() {
				mock.ExpectExec("INSERT INTO feature_flags").
					WillReturnError(sql.ErrConnDone)
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.mockFn()

			err := tt.call()
			if (err != nil) != tt.wantErr {
				t.Errorf("error = %v, wantErr %v", err, tt.wantErr)
			}

			if err := mock.ExpectationsWereMet(); err != nil {
				t.Errorf("unfulfilled expectations: %v", err)
			}
		})
	}
}

func TestSetRollout(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create mock db: %v", err)
	}
	defer db.Close()

	svc := NewService(db)
	ctx := context.Background()

	t.Run("valid percentage", func(t *testing.T) {
		mock.ExpectExec("INSERT INTO feature_flags").
			WithArgs(sqlmock.AnyArg(), FlagCanaryDeployment, 25).
			WillReturnResult(sqlmock.NewResult(0, 1))

		if err := svc.SetRollout(ctx, FlagCanaryDeployment, 25); err != nil {
			t.Errorf("SetRollout() error = %v", err)
		}
		if err := mock.ExpectationsWereMet(); err != nil {
			t.Errorf("unfulfilled expectations: %v", err)
		}
	})

	t.Run("rejects out of range", func(t *testing.T) {
		if err := svc.SetRollout(ctx, FlagCanaryDeployment, -1); err == nil {
			t.Error("SetRollout(-1) expected error")
		}
		if err := svc.SetRollout(ctx, FlagCanaryDeployment, 101); err == nil {
			t.Error("SetRollout(101) expected error")
		}
	})

	t.Run("database error", func(t *testing.T) {
		mock.ExpectExec("INSERT INTO feature_flags").
			WillReturnError(sql.ErrConnDone)

		if err := svc.SetRollout(ctx, FlagCanaryDeployment, 50); err == nil {
			t.Error("SetRollout() expected error")
		}
	})
}

func TestList(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create mock db: %v", err)
	}
	defer db.Close()

	svc := NewService(db)
	ctx := context.Background()
	now := time.Now()

	rows := sqlmock.NewRows([]string{
		"id", "feature_name", "tenant_id", "enabled", "rollout_percentage",
		"description", "created_at", "updated_at",
	}).AddRow(
		uuid.New(), FlagAutoExecution, "tenant-a", true, 0, "", now, now,
	).AddRow(
		uuid.New(), FlagAutoExecution, nil, false, 10, "staged rollout", now, now,
	)
	mock.ExpectQuery("SELECT (.+) FROM feature_flags").
		WithArgs("tenant-a").
		WillReturnRows(rows)

	flags, err := svc.List(ctx, "tenant-a")
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(flags) != 2 {
		t.Fatalf("List() returned %d flags, want 2", len(flags))
	}
	if flags[0].TenantID == nil || *flags[0].TenantID != "tenant-a" {
		t.Errorf("List() first row tenant = %v, want tenant-a", flags[0].TenantID)
	}
	if flags[1].TenantID != nil {
		t.Errorf("List() second row tenant = %v, want nil", *flags[1].TenantID)
	}
	if flags[1].RolloutPercentage != 10 {
		t.Errorf("List() second row rollout = %d, want 10", flags[1].RolloutPercentage)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unfulfilled expectations: %v", err)
	}
}

func TestGet(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create mock db: %v", err)
	}
	defer db.Close()

	svc := NewService(db)
	ctx := context.Background()
	now := time.Now()

	t.Run("flag found", func(t *testing.T) {
		rows := sqlmock.NewRows([]string{
			"id", "feature_name", "tenant_id", "enabled", "rollout_percentage",
			"description", "created_at", "updated_at",
		}).AddRow(uuid.New(), FlagProgressiveTrust, nil, false, 30, "", now, now)
		mock.ExpectQuery("SELECT (.+) FROM feature_flags").
			WithArgs(FlagProgressiveTrust, "").
			WillReturnRows(rows)

		flag, err := svc.Get(ctx, "", FlagProgressiveTrust)
		if err != nil {
			t.Fatalf("Get() error = %v", err)
		}
		if flag == nil {
			t.Fatal("Get() returned nil flag")
		}
		if flag.RolloutPercentage != 30 {
			t.Errorf("Get() rollout = %d, want 30", flag.RolloutPercentage)
		}
		if flag.TenantID != nil {
			t.Errorf("Get() tenant = %v, want nil", *flag.TenantID)
		}
	})

	t.Run("flag not found", func(t *testing.T) {
		mock.ExpectQuery("SELECT (.+) FROM feature_flags").
			WithArgs(FlagProgressiveTrust, "tenant-a").
			WillReturnError(sql.ErrNoRows)

		flag, err := svc.Get(ctx, "tenant-a", FlagProgressiveTrust)
		if err != nil {
			t.Errorf("Get() error = %v", err)
		}
		if flag != nil {
			t.Errorf("Get() = %+v, want nil", flag)
		}
	})

	t.Run("database error", func(t *testing.T) {
		mock.ExpectQuery("SELECT (.+) FROM feature_flags").
			WillReturnError(sql.ErrConnDone)

		if _, err := svc.Get(ctx, "tenant-a", FlagProgressiveTrust); err == nil {
			t.Error("Get() expected error")
		}
	})
}

func TestBucket(t *testing.T) {
	t.Run("deterministic", func(t *testing.T) {
		a := bucket("tenant-a", FlagAutoExecution)
		b := bucket("tenant-a", FlagAutoExecution)
		if a != b {
			t.Errorf("bucket() not deterministic: %d != %d", a, b)
		}
	})

	t.Run("in range", func(t *testing.T) {
		for i := 0; i < 500; i++ {
			slot := bucket(fmt.Sprintf("tenant-%d", i), FlagAutoExecution)
			if slot < 0 || slot > 99 {
				t.Fatalf("bucket() = %d, want 0-99", slot)
			}
		}
	})

	t.Run("spreads tenants", func(t *testing.T) {
		seen := make(map[int]bool)
		for i := 0; i < 500; i++ {
			seen[bucket(fmt.Sprintf("tenant-%d", i), FlagAutoExecution)] = true
		}
		// 500 tenants over 100 slots should fill most of them.
		if len(seen) < 80 {
			t.Errorf("bucket() hit only %d distinct slots", len(seen))
		}
	})

	t.Run("feature changes slot independently", func(t *testing.T) {
		same := 0
		for i := 0; i < 200; i++ {
			tenant := fmt.Sprintf("tenant-%d", i)
			if bucket(tenant, FlagAutoExecution) == bucket(tenant, FlagCanaryDeployment) {
				same++
			}
		}
		if same == 200 {
			t.Error("bucket() ignores the feature name")
		}
	})
}
