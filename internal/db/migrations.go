package db

// RunMigrations runs all database migrations
func RunMigrations(db *DB) error {
	return db.AutoMigrate(
		&Order{},
		&OutboxRecord{},
		&InboxRecord{},
		&StockLevel{},
		&Reservation{},
		&ReservationHold{},
	)
}
