// Package redischan implements transport.TopicChannel on Redis Pub/Sub.
//
// Each topic subscription holds its own Pub/Sub connection so delivery on
// one topic never waits on another. Redis Pub/Sub is fire-and-forget:
// messages published while no subscriber is connected are lost, so a
// session subscribes to its reply subject before it sends a request.
//
// Configuration is read from the environment with NewFromEnv:
//
//	REDIS_ADDR              address, default localhost:6379
//	REDIS_TOPIC_PREFIX      prefix prepended to every topic
//	REDIS_HEALTH_INTERVAL   ping interval; zero disables health checks
package redischan
