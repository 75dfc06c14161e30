// Package secure keeps long-lived credentials (service-principal client
// secrets, static workspace tokens) encrypted in memory.
//
// Values are held in memguard enclaves and only decrypted for the duration
// of a single Reveal call:
//
//	secret := secure.NewValue(os.Getenv("DATABRICKS_CLIENT_SECRET"))
//	defer secret.Destroy()
//
//	plain, err := secret.Reveal()
//
// Short-lived tokens minted at runtime are not wrapped; they expire within
// the hour and are overwritten on refresh.
package secure
