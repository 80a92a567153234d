// Package guild decodes guild-members records and writes them out as rows.
package guild

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	"google.golang.org/protobuf/encoding/protowire"
)

// PayloadType is the payload type that carries a guild-members record.
const PayloadType uint16 = 0x559D

// Columns is the row layout shared by every writer.
var Columns = []string{
	"uid",
	"name",
	"level",
	"weeklyMerit",
	"totalMerit",
	"highScore",
	"totalScore",
	"lastLogin",
	"logTime",
}

// Field numbers of the guild-members message tree.
//
//	GuildMembers { repeated Member members = 1; }
//	Member       { uint64 uid = 1; Player player = 2; int64 weekly_merit = 3;
//	               int64 total_merit = 4; int64 high_score = 5;
//	               int64 total_score = 6; int64 last_login = 7; }
//	Player       { PlayerInfo player_info = 1; }
//	PlayerInfo   { string name = 1; uint32 level = 2; }
const (
	fieldMembers = 1

	fieldUID         = 1
	fieldPlayer      = 2
	fieldWeeklyMerit = 3
	fieldTotalMerit  = 4
	fieldHighScore   = 5
	fieldTotalScore  = 6
	fieldLastLogin   = 7

	fieldPlayerInfo = 1

	fieldName  = 1
	fieldLevel = 2
)

// ErrMalformed is returned when a record is not a valid guild-members message.
var ErrMalformed = errors.New("malformed guild members record")

// Member is one row of the guild roster.
type Member struct {
	UID         uint64 `json:"uid"`
	Name        string `json:"name"`
	Level       uint32 `json:"level"`
	WeeklyMerit int64  `json:"weeklyMerit"`
	TotalMerit  int64  `json:"totalMerit"`
	HighScore   int64  `json:"highScore"`
	TotalScore  int64  `json:"totalScore"`
	LastLogin   int64  `json:"lastLogin"`
}

// Row is a Member stamped with the capture time, in Columns order.
type Row struct {
	Member
	LogTime string `json:"logTime"`
}

// NewRow stamps m with logTime in ISO-8601 UTC, second precision.
func NewRow(m Member, logTime time.Time) Row {
	return Row{Member: m, LogTime: FormatLogTime(logTime)}
}

// FormatLogTime renders t the way the logTime column expects it.
func FormatLogTime(t time.Time) string {
	return t.UTC().Format("2006-01-02T15:04:05Z")
}

// Strings returns the row's cells in Columns order.
func (r Row) Strings() []string {
	return []string{
		strconv.FormatUint(r.UID, 10),
		r.Name,
		strconv.FormatUint(uint64(r.Level), 10),
		strconv.FormatInt(r.WeeklyMerit, 10),
		strconv.FormatInt(r.TotalMerit, 10),
		strconv.FormatInt(r.HighScore, 10),
		strconv.FormatInt(r.TotalScore, 10),
		strconv.FormatInt(r.LastLogin, 10),
		r.LogTime,
	}
}

// Decode parses a guild-members message. Unknown fields are skipped.
func Decode(b []byte) ([]Member, error) {
	var members []Member
	err := walk(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		if num != fieldMembers || typ != protowire.BytesType {
			return skip(num, typ, b)
		}
		v, n := protowire.ConsumeBytes(b)
		if n < 0 {
			return 0, protowire.ParseError(n)
		}
		m, err := decodeMember(v)
		if err != nil {
			return 0, fmt.Errorf("member %d: %w", len(members), err)
		}
		members = append(members, m)
		return n, nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformed, err)
	}
	return members, nil
}

func decodeMember(b []byte) (Member, error) {
	var m Member
	err := walk(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		if typ == protowire.BytesType && num == fieldPlayer {
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return 0, protowire.ParseError(n)
			}
			return n, decodePlayer(v, &m)
		}
		if typ != protowire.VarintType {
			return skip(num, typ, b)
		}

		v, n := protowire.ConsumeVarint(b)
		if n < 0 {
			return 0, protowire.ParseError(n)
		}
		switch num {
		case fieldUID:
			m.UID = v
		case fieldWeeklyMerit:
			m.WeeklyMerit = int64(v)
		case fieldTotalMerit:
			m.TotalMerit = int64(v)
		case fieldHighScore:
			m.HighScore = int64(v)
		case fieldTotalScore:
			m.TotalScore = int64(v)
		case fieldLastLogin:
			m.LastLogin = int64(v)
		}
		return n, nil
	})
	return m, err
}

func decodePlayer(b []byte, m *Member) error {
	return walk(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		if num != fieldPlayerInfo || typ != protowire.BytesType {
			return skip(num, typ, b)
		}
		v, n := protowire.ConsumeBytes(b)
		if n < 0 {
			return 0, protowire.ParseError(n)
		}
		return n, decodePlayerInfo(v, m)
	})
}

func decodePlayerInfo(b []byte, m *Member) error {
	return walk(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch {
		case num == fieldName && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(b)
			if n < 0 {
				return 0, protowire.ParseError(n)
			}
			m.Name = v
			return n, nil
		case num == fieldLevel && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return 0, protowire.ParseError(n)
			}
			m.Level = uint32(v)
			return n, nil
		default:
			return skip(num, typ, b)
		}
	})
}

// walk calls fn for every field of the message in b. fn receives the bytes
// after the tag and returns how many of them the field value used.
func walk(b []byte, fn func(num protowire.Number, typ protowire.Type, b []byte) (int, error)) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]

		used, err := fn(num, typ, b)
		if err != nil {
			return err
		}
		b = b[used:]
	}
	return nil
}

func skip(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
	n := protowire.ConsumeFieldValue(num, typ, b)
	if n < 0 {
		return 0, protowire.ParseError(n)
	}
	return n, nil
}
