// Package containers provides testcontainer management for integration tests.
//
// It starts the services the agent talks to in production:
//
//   - MySQL 8.0 for the SQL cache backend
//   - Redis 7 for the shared cache backend
//   - Eclipse Mosquitto for the MQTT push ingress
//   - ntfy for notification forwarding
//
// Containers are typically managed using TestMain in integration test packages:
//
//	var redisContainer *containers.RedisContainer
//
//	func TestMain(m *testing.M) {
//	    var err error
//	    redisContainer, err = containers.NewRedisContainer(context.Background(), nil)
//	    if err != nil {
//	        log.Fatal(err)
//	    }
//	    code := m.Run()
//	    _ = redisContainer.Terminate(context.Background())
//	    os.Exit(code)
//	}
//
// Integration tests using this package should use the "integration" build tag:
//
//	//go:build integration
//
//nolint:misspell // Mosquitto is the official Eclipse project name
package containers
