package app

import (
	"context"
	"fmt"
	"log/slog"
	"net/netip"
	"sort"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"

	"github.com/aelexs/phone-auth-service/internal/domain"
	"github.com/aelexs/phone-auth-service/internal/observability"
)

// AttackDetectorConfig holds the dependencies for an AttackDetector.
type AttackDetectorConfig struct {
	Source AuditSource
	Clock  domain.Clock
	Logger *slog.Logger

	// Window is the analysis lookback. Zero means
	// domain.DetectionWindow.
	Window time.Duration
}

// AttackDetector mines recent audit failures for coordinated abuse
// patterns (ADR-009). It only reads; mitigations are recommendations
// for operators, never actions the detector takes itself.
type AttackDetector struct {
	source AuditSource
	clock  domain.Clock
	logger *slog.Logger
	window time.Duration
}

// NewAttackDetector creates an AttackDetector with the given dependencies.
func NewAttackDetector(cfg AttackDetectorConfig) *AttackDetector {
	if cfg.Window == 0 {
		cfg.Window = domain.DetectionWindow
	}
	return &AttackDetector{
		source: cfg.Source,
		clock:  cfg.Clock,
		logger: cfg.Logger,
		window: cfg.Window,
	}
}

// finding is one matched pattern before composition.
type finding struct {
	pattern    domain.AttackPattern
	confidence float64
	action     domain.RecommendedAction
	ips        map[string]struct{}
	phones     []string
	cidr       string
	detail     string
}

// Detect runs one pass over the analysis window and classifies what it
// finds. Two or more concurrent patterns escalate to a mixed attack.
func (d *AttackDetector) Detect(ctx context.Context) (*domain.DetectionResult, error) {
	ctx, span := tracer.Start(ctx, "detector.detect")
	defer span.End()

	now := d.clock.Now().UTC()
	since := now.Add(-d.window)

	events, err := d.source.FindSince(ctx, since)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("load audit window: %w", err)
	}

	// Index failures by targeted phone and by source subnet.
	ipsByPhone := make(map[string]map[string]struct{})
	ipsBySubnet := make(map[string]map[string]struct{})
	allIPs := make(map[string]struct{})
	for _, event := range events {
		if event.Success || event.IPAddress == "" {
			continue
		}
		allIPs[event.IPAddress] = struct{}{}
		if event.PhoneMasked != "" {
			addToSet(ipsByPhone, event.PhoneMasked, event.IPAddress)
		}
		if cidr := subnetOf(event.IPAddress); cidr != "" {
			addToSet(ipsBySubnet, cidr, event.IPAddress)
		}
	}

	var findings []finding
	if f, ok := d.findCredentialStuffing(ipsByPhone); ok {
		findings = append(findings, f)
	}
	if f, ok := d.findSubnetAttack(ipsBySubnet); ok {
		findings = append(findings, f)
	}
	if f, ok := d.findIPRotation(allIPs); ok {
		findings = append(findings, f)
	}

	result := d.compose(findings)
	result.WindowStart = since
	result.WindowEnd = now

	if result.Detected {
		attacksDetectedTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("pattern", string(result.Pattern))))
		span.SetAttributes(
			attribute.String("attack.pattern", string(result.Pattern)),
			attribute.Float64("attack.confidence", result.Confidence),
		)
		observability.WithTraceID(ctx, d.logger).WarnContext(ctx, "detector.attack_detected",
			"pattern", string(result.Pattern),
			"confidence", result.Confidence,
			"action", string(result.Action),
			"suspicious_ips", len(result.SuspiciousIPs),
		)
	}

	return result, nil
}

// AnalyzeTrends summarizes audit activity over the past hours
// (default 24), bucketed by hour.
func (d *AttackDetector) AnalyzeTrends(ctx context.Context, hours int) (*domain.TrendReport, error) {
	ctx, span := tracer.Start(ctx, "detector.trends")
	defer span.End()

	if hours <= 0 {
		hours = 24
	}
	now := d.clock.Now().UTC()
	since := now.Add(-time.Duration(hours) * time.Hour)

	events, err := d.source.FindSince(ctx, since)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("load audit window: %w", err)
	}

	uniqueIPs := make(map[string]struct{})
	counts := make(map[time.Time]int)
	for _, event := range events {
		if event.IPAddress != "" {
			uniqueIPs[event.IPAddress] = struct{}{}
		}
		counts[event.CreatedAt.UTC().Truncate(time.Hour)]++
	}

	report := &domain.TrendReport{
		Hours:         hours,
		TotalEvents:   len(events),
		UniqueIPs:     len(uniqueIPs),
		EventsPerHour: float64(len(events)) / float64(hours),
	}

	hourly := make([]domain.HourBucket, 0, len(counts))
	for hour, count := range counts {
		hourly = append(hourly, domain.HourBucket{Hour: hour, Count: count})
	}
	sort.Slice(hourly, func(i, j int) bool { return hourly[i].Hour.Before(hourly[j].Hour) })
	report.Hourly = hourly

	// hourly is ascending, so a strict compare keeps the earliest
	// hour on ties.
	peak := 0
	for _, bucket := range hourly {
		if bucket.Count > peak {
			peak = bucket.Count
			report.PeakHour = bucket.Hour
		}
	}

	return report, nil
}

// findCredentialStuffing looks for many IPs converging on one phone.
func (d *AttackDetector) findCredentialStuffing(ipsByPhone map[string]map[string]struct{}) (finding, bool) {
	f := finding{
		pattern: domain.PatternCredentialStuffing,
		action:  domain.ActionEnableCaptcha,
		ips:     make(map[string]struct{}),
	}
	maxIPs := 0
	for phone, ips := range ipsByPhone {
		if len(ips) < domain.CredentialStuffingMinIPs {
			continue
		}
		f.phones = append(f.phones, phone)
		for ip := range ips {
			f.ips[ip] = struct{}{}
		}
		if len(ips) > maxIPs {
			maxIPs = len(ips)
		}
	}
	if len(f.phones) == 0 {
		return finding{}, false
	}
	sort.Strings(f.phones)
	f.confidence = capConfidence(float64(maxIPs) / 10)
	f.detail = fmt.Sprintf("credential stuffing: up to %d IPs against one phone", maxIPs)
	return f, true
}

// findSubnetAttack looks for several IPs sharing one /24 (IPv6 /48).
func (d *AttackDetector) findSubnetAttack(ipsBySubnet map[string]map[string]struct{}) (finding, bool) {
	f := finding{
		pattern: domain.PatternSubnetAttack,
		action:  domain.ActionBlockSubnet,
		ips:     make(map[string]struct{}),
	}
	maxIPs := 0
	for cidr, ips := range ipsBySubnet {
		if len(ips) < domain.SubnetAbuseMinIPs {
			continue
		}
		for ip := range ips {
			f.ips[ip] = struct{}{}
		}
		// Report the densest subnet when several qualify.
		if len(ips) > maxIPs {
			maxIPs = len(ips)
			f.cidr = cidr
		}
	}
	if f.cidr == "" {
		return finding{}, false
	}
	f.confidence = capConfidence(float64(maxIPs) / 5)
	f.detail = fmt.Sprintf("subnet attack: %d IPs from %s", maxIPs, f.cidr)
	return f, true
}

// findIPRotation looks for a high churn of distinct source IPs.
func (d *AttackDetector) findIPRotation(allIPs map[string]struct{}) (finding, bool) {
	rate := float64(len(allIPs)) / d.window.Minutes()
	if rate < domain.IPRotationMinRate {
		return finding{}, false
	}
	f := finding{
		pattern:    domain.PatternIPRotation,
		action:     domain.ActionAlertAdmins,
		ips:        allIPs,
		confidence: capConfidence(rate / 4),
		detail:     fmt.Sprintf("ip rotation: %.1f unique IPs per minute", rate),
	}
	return f, true
}

// compose turns findings into one result. A single pattern reports as
// itself; two or more escalate to mixed with boosted confidence.
func (d *AttackDetector) compose(findings []finding) *domain.DetectionResult {
	if len(findings) == 0 {
		return &domain.DetectionResult{Action: domain.ActionNone}
	}

	result := &domain.DetectionResult{Detected: true}

	if len(findings) == 1 {
		f := findings[0]
		result.Pattern = f.pattern
		result.Confidence = f.confidence
		result.Action = f.action
		result.SuspiciousIPs = sortedKeys(f.ips)
		result.TargetedPhones = f.phones
		result.BlockCIDR = f.cidr
		result.Details = f.detail
		return result
	}

	ips := make(map[string]struct{})
	var phones []string
	var details []string
	for _, f := range findings {
		for ip := range f.ips {
			ips[ip] = struct{}{}
		}
		phones = append(phones, f.phones...)
		details = append(details, f.detail)
		if f.confidence > result.Confidence {
			result.Confidence = f.confidence
		}
		if f.cidr != "" {
			result.BlockCIDR = f.cidr
		}
	}
	sort.Strings(phones)

	result.Pattern = domain.PatternMixed
	result.Confidence = minFloat(result.Confidence*domain.CoordinatedConfidenceGain, domain.CoordinatedConfidenceCap)
	result.Action = domain.ActionSystemLockdown
	result.SuspiciousIPs = sortedKeys(ips)
	result.TargetedPhones = phones
	result.Details = strings.Join(details, "; ")
	return result
}

// subnetOf maps an IP to its abuse-grouping prefix: /24 for IPv4,
// /48 for IPv6. Unparseable addresses group nowhere.
func subnetOf(ip string) string {
	addr, err := netip.ParseAddr(ip)
	if err != nil {
		return ""
	}
	addr = addr.Unmap()
	bits := 24
	if addr.Is6() {
		bits = 48
	}
	prefix, err := addr.Prefix(bits)
	if err != nil {
		return ""
	}
	return prefix.String()
}

func addToSet(m map[string]map[string]struct{}, key, value string) {
	set, ok := m[key]
	if !ok {
		set = make(map[string]struct{})
		m[key] = set
	}
	set[value] = struct{}{}
}

func sortedKeys(set map[string]struct{}) []string {
	keys := make([]string, 0, len(set))
	for k := range set {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func capConfidence(c float64) float64 {
	return minFloat(c, domain.PatternConfidenceCap)
}

func minFloat(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}
