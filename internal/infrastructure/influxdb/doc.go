// Package influxdb records accessory history in InfluxDB.
//
// It wraps influxdb-client-go v2 with connection checks and a batched,
// non-blocking writer. Each characteristic change becomes a point in the
// "characteristic" measurement tagged by accessory, characteristic and
// source; supervisor transitions go to the "runnable" measurement.
//
//	client, err := influxdb.Connect(cfg.InfluxDB)
//	if err != nil {
//	    return err
//	}
//	defer client.Close()
//
//	client.WriteCharacteristic("Living Fan", "On", json.RawMessage("true"), "device", time.Now())
package influxdb
