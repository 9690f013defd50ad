package ids

import (
	"sync"
	"testing"
	"time"

	"github.com/oklog/ulid/v2"
)

func TestNewSequentialOrdering(t *testing.T) {
	const total = 100
	issued := make([]string, total)
	for i := 0; i < total; i++ {
		issued[i] = New()
	}

	for i := 0; i < total; i++ {
		if len(issued[i]) != 26 {
			t.Fatalf("expected ULID length 26, got %d", len(issued[i]))
		}
		if _, err := ulid.Parse(issued[i]); err != nil {
			t.Fatalf("expected valid ULID, got %v", err)
		}
	}
	for i := 1; i < total; i++ {
		if issued[i-1] >= issued[i] {
			t.Fatalf("expected ULIDs to be strictly increasing, %s >= %s", issued[i-1], issued[i])
		}
	}
}

func TestNewConcurrentUniqueness(t *testing.T) {
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		seen = make(map[string]struct{})
	)
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 25; i++ {
				id := New()
				mu.Lock()
				seen[id] = struct{}{}
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if len(seen) != 200 {
		t.Fatalf("expected 200 unique ids, got %d", len(seen))
	}
}

func TestTimeAndAge(t *testing.T) {
	fixed := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	now = func() time.Time { return fixed }
	defer func() { now = time.Now }()

	id := New()
	issued, ok := Time(id)
	if !ok {
		t.Fatal("expected id to parse")
	}
	if !issued.Equal(fixed) {
		t.Fatalf("expected %v, got %v", fixed, issued)
	}

	now = func() time.Time { return fixed.Add(90 * time.Second) }
	if age := Age(id); age != 90*time.Second {
		t.Fatalf("expected 90s age, got %v", age)
	}

	if _, ok := Time("not-a-ulid"); ok {
		t.Fatal("expected invalid id to be rejected")
	}
	if Age("not-a-ulid") != 0 {
		t.Fatal("expected zero age for invalid id")
	}
}
