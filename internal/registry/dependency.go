package registry

// InitOrder returns an advisory initialization order for the registered
// services: a depth-first post-order over the dependency graph, so every
// service appears after the services it depends on. Dependencies naming
// unregistered services are skipped; cycles are broken at the first
// revisited node.
func (r *Registry) InitOrder() []string {
	r.mu.RLock()
	deps := make(map[string][]string, len(r.byName))
	names := make([]string, 0, len(r.byName))
	for name, svc := range r.byName {
		deps[name] = svc.dependsOn
		names = append(names, name)
	}
	r.mu.RUnlock()

	visited := make(map[string]bool, len(names))
	order := make([]string, 0, len(names))

	var visit func(name string)
	visit = func(name string) {
		if visited[name] {
			return
		}
		visited[name] = true
		for _, dep := range deps[name] {
			if _, known := deps[dep]; known {
				visit(dep)
			}
		}
		order = append(order, name)
	}

	for _, name := range names {
		visit(name)
	}

	return order
}

// AreDependenciesHealthy reports whether every declared dependency of the
// named service is currently healthy. Unknown dependencies count as
// unhealthy; a service with no dependencies is trivially satisfied.
func (r *Registry) AreDependenciesHealthy(name string) bool {
	r.mu.RLock()
	svc, ok := r.byName[name]
	if !ok {
		r.mu.RUnlock()
		return false
	}
	depServices := make([]*service, 0, len(svc.dependsOn))
	missing := false
	for _, dep := range svc.dependsOn {
		d, known := r.byName[dep]
		if !known {
			missing = true
			break
		}
		depServices = append(depServices, d)
	}
	r.mu.RUnlock()

	if missing {
		return false
	}

	for _, dep := range depServices {
		dep.mu.Lock()
		healthy := dep.status == StatusHealthy
		dep.mu.Unlock()
		if !healthy {
			return false
		}
	}
	return true
}
