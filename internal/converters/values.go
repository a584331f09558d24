/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

package converters

import (
	"context"
	"encoding/binary"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	godap "github.com/google/go-dap"
	"github.com/google/uuid"
)

const (
	ticksPerSecond = 10_000_000
	ticksPerDay    = 24 * 60 * 60 * ticksPerSecond
	nanosPerTick   = 100

	// DateTime packs the tick count into the low 62 bits and the kind into the top two.
	dateDataTicksMask = 0x3FFF_FFFF_FFFF_FFFF
	dateDataKindShift = 62

	dateTimeLayout  = "2006-01-02 15:04:05.0000000"
	timeOfDayLayout = "15:04:05.0000000"
)

type dateTimeKind int

const (
	kindUnspecified dateTimeKind = iota
	kindUtc
	kindLocal
)

// dayZero is 0001-01-01, the origin of the runtime's tick and day counts.
var dayZero = time.Date(1, time.January, 1, 0, 0, 0, 0, time.UTC)

// fromTicks converts a tick count to a wall-clock time. Days and the sub-day remainder are
// added separately because the full range does not fit in a time.Duration.
func fromTicks(ticks uint64, loc *time.Location) time.Time {
	days := ticks / ticksPerDay
	rem := ticks % ticksPerDay
	t := dayZero.AddDate(0, 0, int(days)).Add(time.Duration(rem * nanosPerTick))
	if loc == time.UTC {
		return t
	}
	return time.Date(t.Year(), t.Month(), t.Day(), t.Hour(), t.Minute(), t.Second(), t.Nanosecond(), loc)
}

func (k dateTimeKind) location() *time.Location {
	if k == kindLocal {
		return time.Local
	}
	return time.UTC
}

func (k dateTimeKind) suffix() string {
	switch k {
	case kindUtc:
		return " UTC"
	case kindLocal:
		return " Local"
	default:
		return ""
	}
}

type dateTimeValue struct {
	t    time.Time
	kind dateTimeKind
	zero bool
}

// decodeDateTime reads a DateTime from its packed _dateData field, or failing that from
// the calendar properties some debuggers show instead.
func decodeDateTime(members Members) (dateTimeValue, error) {
	if _, found := members.First("_dateData", "dateData"); found {
		data, err := members.Uint("_dateData", "dateData")
		if err != nil {
			return dateTimeValue{}, err
		}
		ticks := data & dateDataTicksMask
		kind := kindUnspecified
		switch data >> dateDataKindShift {
		case 1:
			kind = kindUtc
		case 2, 3:
			kind = kindLocal
		}
		return dateTimeValue{t: fromTicks(ticks, kind.location()), kind: kind, zero: ticks == 0}, nil
	}

	var fields [7]int64
	for i, name := range []string{"Year", "Month", "Day", "Hour", "Minute", "Second", "Millisecond"} {
		n, err := members.Int(name)
		if err != nil {
			return dateTimeValue{}, err
		}
		fields[i] = n
	}
	micro, microErr := members.IntOr(0, "Microsecond")
	if microErr != nil {
		return dateTimeValue{}, microErr
	}
	nano, nanoErr := members.IntOr(0, "Nanosecond")
	if nanoErr != nil {
		return dateTimeValue{}, nanoErr
	}

	kind := kindUnspecified
	if k, found := members.Get("Kind"); found {
		switch {
		case strings.Contains(k.Value, "Utc"):
			kind = kindUtc
		case strings.Contains(k.Value, "Local"):
			kind = kindLocal
		}
	}

	ns := fields[6]*int64(time.Millisecond) + micro*int64(time.Microsecond) + nano
	t := time.Date(int(fields[0]), time.Month(fields[1]), int(fields[2]),
		int(fields[3]), int(fields[4]), int(fields[5]), int(ns), kind.location())
	zero := fields[0] == 1 && fields[1] == 1 && fields[2] == 1 && fields[3] == 0 && fields[4] == 0 && fields[5] == 0 && ns == 0
	return dateTimeValue{t: t, kind: kind, zero: zero}, nil
}

type dateTimeConverter struct{}

var dateTimeType = exactType("System", "DateTime")

func (*dateTimeConverter) Name() string { return "DateTime" }

func (*dateTimeConverter) CanConvert(v *godap.Variable) bool {
	return matchesAny(v, dateTimeType)
}

func (*dateTimeConverter) TryConvert(_ context.Context, _ *Env, members Members) ([]godap.Variable, error) {
	dt, err := decodeDateTime(members)
	if err != nil {
		return nil, err
	}
	exact := dt.t.Format(dateTimeLayout) + dt.kind.suffix()
	if dt.zero {
		return resultEntry("System.DateTime", "DateTime.MinValue "+exact, ""), nil
	}
	return resultEntry("System.DateTime", exact, humanize.Time(dt.t)), nil
}

// dateTimeOffsetConverter combines the UTC DateTime with the offset stored next to it.
type dateTimeOffsetConverter struct{}

var dateTimeOffsetType = exactType("System", "DateTimeOffset")

func (*dateTimeOffsetConverter) Name() string { return "DateTimeOffset" }

func (*dateTimeOffsetConverter) CanConvert(v *godap.Variable) bool {
	return matchesAny(v, dateTimeOffsetType)
}

func (*dateTimeOffsetConverter) TryConvert(ctx context.Context, env *Env, members Members) ([]godap.Variable, error) {
	offsetMinutes, err := members.Int("_offsetMinutes", "m_offsetMinutes")
	if err != nil {
		return nil, err
	}
	dateTime, dtErr := members.Require("_dateTime", "m_dateTime")
	if dtErr != nil {
		return nil, dtErr
	}
	dateTimeMembers, membersErr := env.MembersOf(ctx, dateTime)
	if membersErr != nil {
		return nil, membersErr
	}
	dt, decodeErr := decodeDateTime(dateTimeMembers)
	if decodeErr != nil {
		return nil, decodeErr
	}

	zone := time.FixedZone("", int(offsetMinutes)*60)
	utc := time.Date(dt.t.Year(), dt.t.Month(), dt.t.Day(), dt.t.Hour(), dt.t.Minute(), dt.t.Second(), dt.t.Nanosecond(), time.UTC)
	exact := utc.In(zone).Format(dateTimeLayout + " -07:00")
	if dt.zero && offsetMinutes == 0 {
		return resultEntry("System.DateTimeOffset", "DateTimeOffset.MinValue "+exact, ""), nil
	}
	return resultEntry("System.DateTimeOffset", exact, humanize.Time(utc)), nil
}

// dateOnlyTimeOnlyConverter handles DateOnly (a day number) and TimeOnly (a tick count within one day).
type dateOnlyTimeOnlyConverter struct{}

var (
	dateOnlyType = exactType("System", "DateOnly")
	timeOnlyType = exactType("System", "TimeOnly")
)

func (*dateOnlyTimeOnlyConverter) Name() string { return "DateOnly/TimeOnly" }

func (*dateOnlyTimeOnlyConverter) CanConvert(v *godap.Variable) bool {
	return matchesAny(v, dateOnlyType, timeOnlyType)
}

func (*dateOnlyTimeOnlyConverter) TryConvert(_ context.Context, _ *Env, members Members) ([]godap.Variable, error) {
	if _, found := members.First("_dayNumber"); found {
		dayNumber, err := members.Int("_dayNumber")
		if err != nil {
			return nil, err
		}
		if dayNumber < 0 {
			return nil, fmt.Errorf("%w: negative day number %d", ErrUnexpectedLayout, dayNumber)
		}
		d := dayZero.AddDate(0, 0, int(dayNumber))
		exact := d.Format(time.DateOnly)
		if dayNumber == 0 {
			return resultEntry("System.DateOnly", "DateOnly.MinValue "+exact, ""), nil
		}
		return resultEntry("System.DateOnly", exact, humanize.Time(d)), nil
	}

	ticks, err := members.Int("_ticks")
	if err != nil {
		return nil, err
	}
	if ticks < 0 || ticks >= ticksPerDay {
		return nil, fmt.Errorf("%w: time of day ticks %d out of range", ErrUnexpectedLayout, ticks)
	}
	t := fromTicks(uint64(ticks), time.UTC)
	return resultEntry("System.TimeOnly", t.Format(timeOfDayLayout), t.Format(time.Kitchen)), nil
}

type timeSpanConverter struct{}

var timeSpanType = exactType("System", "TimeSpan")

func (*timeSpanConverter) Name() string { return "TimeSpan" }

func (*timeSpanConverter) CanConvert(v *godap.Variable) bool {
	return matchesAny(v, timeSpanType)
}

func (*timeSpanConverter) TryConvert(_ context.Context, _ *Env, members Members) ([]godap.Variable, error) {
	ticks, err := members.Int("_ticks")
	if err != nil {
		return nil, err
	}
	exact := formatTimeSpan(ticks)
	if ticks == 0 {
		return resultEntry("System.TimeSpan", exact, ""), nil
	}
	return resultEntry("System.TimeSpan", exact, humanDuration(ticks)), nil
}

// formatTimeSpan renders ticks the way the runtime's invariant format does: [-][d.]hh:mm:ss[.fffffff]
func formatTimeSpan(ticks int64) string {
	var sb strings.Builder
	magnitude := uint64(ticks)
	if ticks < 0 {
		sb.WriteByte('-')
		magnitude = uint64(-(ticks + 1)) + 1
	}

	days := magnitude / ticksPerDay
	rem := magnitude % ticksPerDay
	hours := rem / (3600 * ticksPerSecond)
	rem %= 3600 * ticksPerSecond
	minutes := rem / (60 * ticksPerSecond)
	rem %= 60 * ticksPerSecond
	seconds := rem / ticksPerSecond
	fraction := rem % ticksPerSecond

	if days > 0 {
		fmt.Fprintf(&sb, "%d.", days)
	}
	fmt.Fprintf(&sb, "%02d:%02d:%02d", hours, minutes, seconds)
	if fraction > 0 {
		fmt.Fprintf(&sb, ".%07d", fraction)
	}
	return sb.String()
}

// humanDuration describes the magnitude of a tick count, e.g. "3 days".
func humanDuration(ticks int64) string {
	now := time.Now()
	if ticks > math.MaxInt64/nanosPerTick || ticks < math.MinInt64/nanosPerTick {
		// Beyond the range of time.Duration
		return fmt.Sprintf("%s days", humanize.Comma(ticks/ticksPerDay))
	}
	d := time.Duration(ticks) * nanosPerTick
	return strings.TrimSpace(humanize.RelTime(now, now.Add(d), "", ""))
}

// guidConverter assembles a Guid from its eleven fields: one int, two shorts and eight bytes.
type guidConverter struct{}

var guidType = exactType("System", "Guid")

var guidByteFields = []string{"_d", "_e", "_f", "_g", "_h", "_i", "_j", "_k"}

func (*guidConverter) Name() string { return "Guid" }

func (*guidConverter) CanConvert(v *godap.Variable) bool {
	return matchesAny(v, guidType)
}

func (*guidConverter) TryConvert(_ context.Context, _ *Env, members Members) ([]godap.Variable, error) {
	g, err := decodeGuid(members)
	if err != nil {
		return nil, err
	}
	if g == uuid.Nil {
		return resultEntry("System.Guid", "Guid.Empty "+g.String(), ""), nil
	}
	return resultEntry("System.Guid", g.String(), ""), nil
}

func decodeGuid(members Members) (uuid.UUID, error) {
	var g uuid.UUID

	a, err := members.Uint("_a")
	if err != nil {
		return g, err
	}
	b, bErr := members.Uint("_b")
	if bErr != nil {
		return g, bErr
	}
	c, cErr := members.Uint("_c")
	if cErr != nil {
		return g, cErr
	}
	binary.BigEndian.PutUint32(g[0:4], uint32(a))
	binary.BigEndian.PutUint16(g[4:6], uint16(b))
	binary.BigEndian.PutUint16(g[6:8], uint16(c))

	for i, name := range guidByteFields {
		n, byteErr := members.Uint(name)
		if byteErr != nil {
			return g, byteErr
		}
		g[8+i] = byte(n)
	}
	return g, nil
}

// versionConverter renders Major.Minor[.Build[.Revision]]; undefined parts are stored as -1.
type versionConverter struct{}

var versionType = exactType("System", "Version")

func (*versionConverter) Name() string { return "Version" }

func (*versionConverter) CanConvert(v *godap.Variable) bool {
	return matchesAny(v, versionType)
}

func (*versionConverter) TryConvert(_ context.Context, _ *Env, members Members) ([]godap.Variable, error) {
	var parts [4]int64
	for i, name := range []string{"_Major", "_Minor", "_Build", "_Revision"} {
		n, err := members.IntOr(-1, name)
		if err != nil {
			return nil, err
		}
		parts[i] = n
	}
	if parts[0] < 0 || parts[1] < 0 {
		return nil, fmt.Errorf("%w: version has no major or minor part", ErrUnexpectedLayout)
	}

	version := fmt.Sprintf("%d.%d", parts[0], parts[1])
	if parts[2] >= 0 {
		version += fmt.Sprintf(".%d", parts[2])
		if parts[3] >= 0 {
			version += fmt.Sprintf(".%d", parts[3])
		}
	}
	return resultEntry("System.Version", version, ""), nil
}
