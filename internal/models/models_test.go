package models

import (
	"reflect"
	"strings"
	"testing"
	"time"
)

// gormTag extracts the gorm tag from a struct field.
func gormTag(t *testing.T, typ reflect.Type, fieldName string) string {
	t.Helper()
	f, ok := typ.FieldByName(fieldName)
	if !ok {
		t.Fatalf("%s.%s: field not found", typ.Name(), fieldName)
	}
	return f.Tag.Get("gorm")
}

// assertGormTag checks that a struct field's gorm tag contains the expected value.
func assertGormTag(t *testing.T, typ reflect.Type, fieldName, expected string) {
	t.Helper()
	tag := gormTag(t, typ, fieldName)
	if !strings.Contains(tag, expected) {
		t.Errorf("%s.%s gorm tag = %q, want to contain %q", typ.Name(), fieldName, tag, expected)
	}
}

// assertFieldType checks that a struct field has the expected Go type.
func assertFieldType(t *testing.T, typ reflect.Type, fieldName, expectedType string) {
	t.Helper()
	f, ok := typ.FieldByName(fieldName)
	if !ok {
		t.Fatalf("%s.%s: field not found", typ.Name(), fieldName)
	}
	got := f.Type.String()
	if got != expectedType {
		t.Errorf("%s.%s type = %q, want %q", typ.Name(), fieldName, got, expectedType)
	}
}

func TestGroup_Fields(t *testing.T) {
	typ := reflect.TypeOf(Group{})

	assertGormTag(t, typ, "JID", "column:jid")
	assertGormTag(t, typ, "JID", "primaryKey")
	assertGormTag(t, typ, "Folder", "uniqueIndex")
	assertGormTag(t, typ, "Trigger", "not null")
	assertFieldType(t, typ, "RequiresTrigger", "*bool")
	assertFieldType(t, typ, "AddedAt", "string")
}

func TestGroup_NeedsTrigger(t *testing.T) {
	yes, no := true, false
	cases := []struct {
		name string
		g    Group
		want bool
	}{
		{"main never", Group{Folder: "main", RequiresTrigger: &yes}, false},
		{"default on", Group{Folder: "team"}, true},
		{"explicit on", Group{Folder: "team", RequiresTrigger: &yes}, true},
		{"opted out", Group{Folder: "team", RequiresTrigger: &no}, false},
	}
	for _, tc := range cases {
		if got := tc.g.NeedsTrigger("main"); got != tc.want {
			t.Errorf("%s: NeedsTrigger = %v, want %v", tc.name, got, tc.want)
		}
	}
}

func TestChatMessage_Fields(t *testing.T) {
	typ := reflect.TypeOf(ChatMessage{})

	// Message ids are only unique within a chat.
	assertGormTag(t, typ, "ID", "primaryKey")
	assertGormTag(t, typ, "ChatJID", "column:chat_jid")
	assertGormTag(t, typ, "ChatJID", "primaryKey")
	assertGormTag(t, typ, "ChatJID", "index:idx_chat_ts")
	assertGormTag(t, typ, "Timestamp", "index:idx_chat_ts")
	assertGormTag(t, typ, "Content", "type:text")
	assertFieldType(t, typ, "IsFromBot", "bool")
}

func TestChatSessionRouterState_Fields(t *testing.T) {
	assertGormTag(t, reflect.TypeOf(Chat{}), "JID", "column:jid")
	assertGormTag(t, reflect.TypeOf(Chat{}), "JID", "primaryKey")
	assertGormTag(t, reflect.TypeOf(Chat{}), "LastMessageTime", "index")
	assertGormTag(t, reflect.TypeOf(Session{}), "GroupFolder", "primaryKey")
	assertGormTag(t, reflect.TypeOf(RouterState{}), "Key", "primaryKey")
	assertGormTag(t, reflect.TypeOf(RouterState{}), "Value", "type:text")
}

func TestScheduledTask_Fields(t *testing.T) {
	typ := reflect.TypeOf(ScheduledTask{})

	assertGormTag(t, typ, "ID", "primaryKey")
	assertGormTag(t, typ, "GroupFolder", "index")
	assertGormTag(t, typ, "ChatJID", "column:chat_jid")
	assertGormTag(t, typ, "ContextMode", "default:isolated")
	assertGormTag(t, typ, "Status", "default:active")
	assertGormTag(t, typ, "NextRun", "index")
	assertFieldType(t, typ, "NextRun", "*string")
	assertFieldType(t, typ, "LastRun", "*string")
}

func TestTaskRunLog_Fields(t *testing.T) {
	typ := reflect.TypeOf(TaskRunLog{})

	assertGormTag(t, typ, "ID", "autoIncrement")
	assertGormTag(t, typ, "TaskID", "index")
	assertFieldType(t, typ, "DurationMs", "int64")
}

func TestFormatTime(t *testing.T) {
	loc := time.FixedZone("UTC+2", 2*60*60)
	got := FormatTime(time.Date(2024, 3, 1, 11, 30, 0, 5_000_000, loc))
	if got != "2024-03-01T09:30:00.005Z" {
		t.Errorf("FormatTime = %q", got)
	}
}

func TestFormatTime_OrdersLexically(t *testing.T) {
	a := FormatTime(time.Date(2024, 3, 1, 9, 59, 59, 999_000_000, time.UTC))
	b := FormatTime(time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC))
	if !(a < b) {
		t.Errorf("%q should sort before %q", a, b)
	}
}

func TestParseTime(t *testing.T) {
	want := time.Date(2024, 3, 1, 9, 30, 0, 5_000_000, time.UTC)
	for _, in := range []string{"2024-03-01T09:30:00.005Z", "2024-03-01T11:30:00.005+02:00"} {
		got, err := ParseTime(in)
		if err != nil {
			t.Fatalf("ParseTime(%q): %v", in, err)
		}
		if !got.Equal(want) || got.Location() != time.UTC {
			t.Errorf("ParseTime(%q) = %v", in, got)
		}
	}
	if _, err := ParseTime("yesterday"); err == nil {
		t.Error("expected error for garbage")
	}
}
