package redis

// All keys are prefixed with "courier:" so courier can share a Redis
// database with other applications.
const keyPrefix = "courier:"

func prefixed(key string) string { return keyPrefix + key }
