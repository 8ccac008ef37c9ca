// Package readiness scores how well a backlog task is specified for
// autonomous execution.
//
// Everything in this package is pure: no I/O, no clocks, no randomness.
// The same task text and story context always produce the same result,
// which lets callers cache results by content hash and compare them
// byte-for-byte in tests.
//
// The package has four parts:
//
//   - Score computes a ClarityScore from six independent rule sets.
//   - DetectVagueTerms flags low-information verbs that are not followed
//     by a concrete noun phrase.
//   - DetectMissing reports absent categories of information, at most one
//     MissingElement per category.
//   - GenerateRecommendations turns the above into a ranked list of
//     Recommendation values.
//
// Analyze runs all four and returns a Report.
package readiness
