package app_test

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aelexs/phone-auth-service/internal/domain"
	"github.com/aelexs/phone-auth-service/internal/domain/domaintest"
	"github.com/aelexs/phone-auth-service/internal/phoneauth/app"
)

func newTestDetector(store *stubAuditStore) *app.AttackDetector {
	return app.NewAttackDetector(app.AttackDetectorConfig{
		Source: store,
		Clock:  domaintest.NewFakeClock(testStart),
		Logger: slog.Default(),
	})
}

func failedVerify(ip, maskedPhone string, at time.Time) domain.AuditEvent {
	return domain.AuditEvent{
		ID:          domain.GenerateEventID(),
		EventType:   domain.EventVerifyCodeFailure,
		PhoneMasked: maskedPhone,
		IPAddress:   ip,
		Action:      "verify_code",
		CreatedAt:   at,
	}
}

func TestDetect(t *testing.T) {
	recent := testStart.Add(-time.Minute)

	t.Run("quiet window reports nothing", func(t *testing.T) {
		store := newStubAuditStore()
		store.appended = []domain.AuditEvent{
			{EventType: domain.EventLoginSuccess, Success: true, IPAddress: "203.0.113.7", CreatedAt: recent},
			{EventType: domain.EventSendCodeSuccess, Success: true, IPAddress: "198.51.100.9", CreatedAt: recent},
		}

		result, err := newTestDetector(store).Detect(context.Background())
		require.NoError(t, err)

		assert.False(t, result.Detected)
		assert.Equal(t, domain.ActionNone, result.Action)
		assert.True(t, result.WindowStart.Equal(testStart.Add(-domain.DetectionWindow)))
		assert.True(t, result.WindowEnd.Equal(testStart))
	})

	t.Run("many ips converging on one phone is credential stuffing", func(t *testing.T) {
		store := newStubAuditStore()
		// Six sources in six unrelated subnets hammering one number.
		ips := []string{
			"198.51.100.9", "203.0.113.9", "192.0.2.9",
			"198.18.0.9", "100.64.3.9", "172.16.9.9",
		}
		for _, ip := range ips {
			store.appended = append(store.appended, failedVerify(ip, "***0100", recent))
		}

		result, err := newTestDetector(store).Detect(context.Background())
		require.NoError(t, err)

		require.True(t, result.Detected)
		assert.Equal(t, domain.PatternCredentialStuffing, result.Pattern)
		assert.InDelta(t, 0.6, result.Confidence, 1e-9)
		assert.Equal(t, domain.ActionEnableCaptcha, result.Action)
		assert.Equal(t, []string{"***0100"}, result.TargetedPhones)
		assert.Len(t, result.SuspiciousIPs, 6)
		assert.Empty(t, result.BlockCIDR)
	})

	t.Run("several ips from one subnet is a subnet attack", func(t *testing.T) {
		store := newStubAuditStore()
		store.appended = []domain.AuditEvent{
			failedVerify("203.0.113.5", "***0101", recent),
			failedVerify("203.0.113.6", "***0102", recent),
			failedVerify("203.0.113.7", "***0103", recent),
		}

		result, err := newTestDetector(store).Detect(context.Background())
		require.NoError(t, err)

		require.True(t, result.Detected)
		assert.Equal(t, domain.PatternSubnetAttack, result.Pattern)
		assert.Equal(t, "203.0.113.0/24", result.BlockCIDR)
		assert.InDelta(t, 0.6, result.Confidence, 1e-9)
		assert.Equal(t, domain.ActionBlockSubnet, result.Action)
		assert.ElementsMatch(t, []string{"203.0.113.5", "203.0.113.6", "203.0.113.7"}, result.SuspiciousIPs)
	})

	t.Run("fast ip churn is rotation", func(t *testing.T) {
		store := newStubAuditStore()
		// 24 unique IPs in a ten minute window, spread thin enough
		// that no phone or subnet pattern fires on its own.
		for i := 0; i < 24; i++ {
			ip := fmt.Sprintf("10.%d.0.9", i)
			phone := fmt.Sprintf("***02%02d", i)
			store.appended = append(store.appended, failedVerify(ip, phone, recent))
		}

		result, err := newTestDetector(store).Detect(context.Background())
		require.NoError(t, err)

		require.True(t, result.Detected)
		assert.Equal(t, domain.PatternIPRotation, result.Pattern)
		assert.InDelta(t, 0.6, result.Confidence, 1e-9) // 2.4 IPs/minute
		assert.Equal(t, domain.ActionAlertAdmins, result.Action)
		assert.Len(t, result.SuspiciousIPs, 24)
	})

	t.Run("concurrent patterns escalate to mixed", func(t *testing.T) {
		store := newStubAuditStore()
		stuffingIPs := []string{
			"198.51.100.9", "203.0.113.9", "192.0.2.9",
			"198.18.0.9", "100.64.3.9", "172.16.9.9",
		}
		for _, ip := range stuffingIPs {
			store.appended = append(store.appended, failedVerify(ip, "***0100", recent))
		}
		store.appended = append(store.appended,
			failedVerify("192.168.44.5", "***0101", recent),
			failedVerify("192.168.44.6", "***0102", recent),
			failedVerify("192.168.44.7", "***0103", recent),
		)

		result, err := newTestDetector(store).Detect(context.Background())
		require.NoError(t, err)

		require.True(t, result.Detected)
		assert.Equal(t, domain.PatternMixed, result.Pattern)
		assert.InDelta(t, 0.72, result.Confidence, 1e-9) // 0.6 boosted by composition
		assert.Equal(t, domain.ActionSystemLockdown, result.Action)
		assert.Len(t, result.SuspiciousIPs, 9)
		assert.Contains(t, result.TargetedPhones, "***0100")
		assert.Contains(t, result.Details, "; ")
	})

	t.Run("mixed confidence never exceeds the cap", func(t *testing.T) {
		store := newStubAuditStore()
		// Nine IPs in one subnet against one phone: both patterns at
		// 0.9, composed 0.9*1.2 clamps to 0.99.
		for i := 1; i <= 9; i++ {
			store.appended = append(store.appended, failedVerify(fmt.Sprintf("203.0.113.%d", i), "***0100", recent))
		}

		result, err := newTestDetector(store).Detect(context.Background())
		require.NoError(t, err)

		require.True(t, result.Detected)
		assert.Equal(t, domain.PatternMixed, result.Pattern)
		assert.InDelta(t, domain.CoordinatedConfidenceCap, result.Confidence, 1e-9)
	})

	t.Run("stale failures and successes are invisible", func(t *testing.T) {
		store := newStubAuditStore()
		stale := testStart.Add(-domain.DetectionWindow - time.Minute)
		for i := 1; i <= 6; i++ {
			store.appended = append(store.appended, failedVerify(fmt.Sprintf("203.0.113.%d", i), "***0100", stale))
		}
		store.appended = append(store.appended, domain.AuditEvent{
			EventType: domain.EventLoginSuccess, Success: true,
			IPAddress: "203.0.113.50", PhoneMasked: "***0100", CreatedAt: recent,
		})

		result, err := newTestDetector(store).Detect(context.Background())
		require.NoError(t, err)

		assert.False(t, result.Detected)
	})

	t.Run("source failure propagates", func(t *testing.T) {
		store := newStubAuditStore()
		store.findFn = func(context.Context, time.Time) ([]domain.AuditEvent, error) {
			return nil, errors.New("pg down")
		}

		_, err := newTestDetector(store).Detect(context.Background())
		require.Error(t, err)
	})
}

func TestAnalyzeTrends(t *testing.T) {
	t.Run("buckets hourly and keeps the earliest peak on ties", func(t *testing.T) {
		store := newStubAuditStore()
		add := func(at time.Time, n int, ip string) {
			for i := 0; i < n; i++ {
				store.appended = append(store.appended, domain.AuditEvent{
					EventType: domain.EventVerifyCodeFailure,
					IPAddress: ip,
					CreatedAt: at,
				})
			}
		}
		add(testStart.Add(-3*time.Hour), 2, "203.0.113.5")
		add(testStart.Add(-2*time.Hour), 5, "203.0.113.6")
		add(testStart.Add(-time.Hour), 5, "203.0.113.7")

		report, err := newTestDetector(store).AnalyzeTrends(context.Background(), 4)
		require.NoError(t, err)

		assert.Equal(t, 4, report.Hours)
		assert.Equal(t, 12, report.TotalEvents)
		assert.Equal(t, 3, report.UniqueIPs)
		assert.InDelta(t, 3.0, report.EventsPerHour, 1e-9)
		assert.True(t, report.PeakHour.Equal(testStart.Add(-2*time.Hour)))

		require.Len(t, report.Hourly, 3)
		assert.True(t, report.Hourly[0].Hour.Equal(testStart.Add(-3*time.Hour)))
		assert.Equal(t, 2, report.Hourly[0].Count)
		assert.Equal(t, 5, report.Hourly[1].Count)
		assert.Equal(t, 5, report.Hourly[2].Count)
	})

	t.Run("defaults to a day of lookback", func(t *testing.T) {
		report, err := newTestDetector(newStubAuditStore()).AnalyzeTrends(context.Background(), 0)
		require.NoError(t, err)

		assert.Equal(t, 24, report.Hours)
		assert.Zero(t, report.TotalEvents)
		assert.Empty(t, report.Hourly)
		assert.True(t, report.PeakHour.IsZero())
	})
}
