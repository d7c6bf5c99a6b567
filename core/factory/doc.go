// Package factory provides a small generic registry used to instantiate modules
// from configuration. Modules are defined by a type string and a map of raw
// settings. Factories decode the settings into typed structs and return the
// concrete implementation.
//
// Example usage:
//
//	reg := factory.NewRegistry[location.Provider]()
//	reg.Register("static", func(conf map[string]any) (location.Provider, error) {
//	    var c gps.StaticConfig
//	    if err := factory.Decode(conf, &c); err != nil {
//	        return nil, err
//	    }
//	    return gps.NewStaticProvider(c)
//	})
//	p, err := reg.Create(factory.ModuleConfig{Type: "static", Conf: map[string]any{"lat": 48.85, "lng": 2.35}})
package factory
