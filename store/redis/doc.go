// Package redis implements store.Store on Redis via go-redis.
//
// Job records are plain string values written with SET (NX for the dedup
// guard) and a PX expiry. Partition counters are integers updated by Lua
// scripts so the bound check and the increment happen in one round-trip and
// can never overshoot, even with many courier processes sharing the server.
//
// The caller owns the client lifecycle; Close is a no-op:
//
//	client := goredis.NewClient(&goredis.Options{Addr: "localhost:6379"})
//	defer client.Close()
//	s := redis.New(client)
//	if err := s.Ping(ctx); err != nil { ... }
package redis
