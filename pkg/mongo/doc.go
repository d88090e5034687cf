// Package mongo manages the connection to the MongoDB deployment that acts as
// the remote source of truth for subscription records and usage statistics.
//
//	var cfg mongo.Config
//	config.MustLoad(&cfg)
//	db, err := mongo.NewDatabase(ctx, cfg)
//	if err != nil {
//	    return err
//	}
//	store := remotestore.NewMongoStore(db)
//
// Realtime change subscriptions rely on change streams, so the deployment must
// run as a replica set. Healthcheck returns a ping probe for the health
// monitor's network check. Failures wrap ErrFailedToConnectToMongo or
// ErrHealthcheckFailed.
package mongo
