// Component for caching small values (as JSON) with a fixed TTL and purging.
//
// Includes an interface and implementations using redis and in-process memory.
//
// The monitor caches the reward-pool state here, so a fleet of monitors
// sharing a redis instance also shares one view of the valuation inputs.
package cachestore
