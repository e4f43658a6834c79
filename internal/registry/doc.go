// Package registry holds the live roster of sources and elects the closest speaker.
//
// A Registry is the single authoritative map from source id to Record. Every
// mutation runs under one lock so that the election always sees a consistent set
// of records. Readers take copies through Snapshot and learn about changes through
// Version or Subscribe instead of holding the lock.
//
// Two paths can set the closest flag. RankAndMark elects the loudest speaking
// record from local data. ApplyRankingOverride trusts an order computed elsewhere.
// Whichever ran last holds until the other runs again.
package registry
