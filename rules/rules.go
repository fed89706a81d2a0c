//go:build ruleguard

// Package gorules holds the project's ruleguard checks.
package gorules

import "github.com/quasilyte/go-ruleguard/dsl"

// WaitGroupGo flags the manual Add/Done goroutine pattern.
func WaitGroupGo(m dsl.Matcher) {
	m.Match(
		`$wg.Add(1); go func() { defer $wg.Done(); $*body }()`,
	).
		Where(m["wg"].Type.Is("*sync.WaitGroup") || m["wg"].Type.Is("sync.WaitGroup")).
		Report("use $wg.Go(func() { $body }) instead of manual Add/Done pattern").
		Suggest("$wg.Go(func() { $body })")
}

// StdErrors keeps audiocore on the enhanced error builder.
func StdErrors(m dsl.Matcher) {
	m.Match(`fmt.Errorf($*_)`).
		Where(m.File().PkgPath.Matches(`audiobridge/internal/audiocore`)).
		Report("use errors.Newf(...).Component(...).Category(...).Build() in audiocore")
}

// CallbackSleep flags sleeping inside the hardware period routine.
func CallbackSleep(m dsl.Matcher) {
	m.Match(`time.Sleep($_)`).
		Where(m.File().Name.Matches(`^period\.go$`)).
		Report("the period routine must not block")
}

// PrintfLogging flags log and fmt printing in internal packages.
func PrintfLogging(m dsl.Matcher) {
	m.Match(`log.Printf($*_)`, `log.Println($*_)`, `fmt.Printf($*_)`, `fmt.Println($*_)`).
		Where(m.File().PkgPath.Matches(`audiobridge/internal/`)).
		Report("use the structured logger from internal/logging")
}
