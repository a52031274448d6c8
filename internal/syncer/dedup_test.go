package syncer

import (
	"strings"
	"testing"

	"github.com/biamino/reportbot/internal/ledger"
	"github.com/biamino/reportbot/internal/taskdb"
)

func TestNormalizeKey(t *testing.T) {
	cases := []struct {
		in, want string
	}{
		{"Сверстать Лендинг", "сверстать лендинг"},
		{"  сверстать   лендинг  ", "сверстать лендинг"},
		{"СВЕРСТАТЬ\tЛЕНДИНГ", "сверстать лендинг"},
		{"", ""},
	}
	for _, c := range cases {
		if got := NormalizeKey(c.in); got != c.want {
			t.Errorf("NormalizeKey(%q) = %q, want %q", c.in, got, c.want)
		}
	}
}

func TestNormalizeKeyIgnoresDueDate(t *testing.T) {
	t1 := taskdb.Task{Name: "Сделать отчёт", DueDate: "01.09.2026"}
	t2 := taskdb.Task{Name: "сделать  отчёт", DueDate: "15.09.2026"}
	if NormalizeKey(t1.Name) != NormalizeKey(t2.Name) {
		t.Fatal("identity must depend on description only")
	}
}

func TestGenerateTaskIDIsDeterministic(t *testing.T) {
	a := GenerateTaskID("  Сверстать лендинг ", "0123456789abcdef")
	b := GenerateTaskID("сверстать лендинг", "0123456789abcdef")
	if a != b {
		t.Fatalf("same normalized inputs must yield same id: %s vs %s", a, b)
	}
	if !strings.HasPrefix(a, ExternalIDPrefix) {
		t.Fatalf("id must carry the external prefix: %s", a)
	}
	if a != strings.ToUpper(a) {
		t.Fatalf("id must be uppercased: %s", a)
	}
	c := GenerateTaskID("сверстать лендинг", "fedcba9876543210")
	if a == c {
		t.Fatal("different sources must yield different ids")
	}
	if got := GenerateTaskID("x", "ab"); got == "" {
		t.Fatal("short source ids must still produce an id")
	}
}

func TestExistingKeysOnlyCountsExternalRows(t *testing.T) {
	keys := ExistingKeys([]ledger.TaskRecord{
		{ID: "NOTION_ABCD1234_01234567", Description: "Импортированная задача"},
		{ID: "MANUAL-1", Description: "Ручная задача"},
		{ID: "NOTION_FFFF0000_01234567", Description: ""},
	})
	if len(keys) != 1 {
		t.Fatalf("expected 1 key, got %d: %v", len(keys), keys)
	}
	if _, ok := keys["импортированная задача"]; !ok {
		t.Fatalf("missing expected key, got %v", keys)
	}
}

func TestFilterNewIsPureSetDifference(t *testing.T) {
	candidates := []taskdb.Task{
		{Name: "A первая"},
		{Name: "B вторая"},
		{Name: "C третья"},
	}
	existing := map[string]struct{}{
		NormalizeKey("b ВТОРАЯ"): {},
	}
	fresh := FilterNew(candidates, existing)
	if len(fresh) != 2 || fresh[0].Name != "A первая" || fresh[1].Name != "C третья" {
		t.Fatalf("unexpected result: %+v", fresh)
	}
	if got := FilterNew(nil, existing); got != nil {
		t.Fatalf("nil candidates must yield nil, got %+v", got)
	}
}

func TestCleanAssigneeName(t *testing.T) {
	cases := []struct {
		in          string
		first, last string
		ok          bool
	}{
		{"Иван Иванов", "Иван", "Иванов", true},
		{"Иван  Иванов (дизайн)", "", "", false},
		{"Иван-Иванов", "Иван", "Иванов", true},
		{"Иван", "", "", false},
		{"", "", "", false},
		{"Анна Мария Петрова", "", "", false},
	}
	for _, c := range cases {
		first, last, ok := CleanAssigneeName(c.in)
		if first != c.first || last != c.last || ok != c.ok {
			t.Errorf("CleanAssigneeName(%q) = (%q, %q, %v), want (%q, %q, %v)",
				c.in, first, last, ok, c.first, c.last, c.ok)
		}
	}
}
